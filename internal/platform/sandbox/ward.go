// Package sandbox generates reproducible demo wards for development and
// training environments.
package sandbox

import (
	"fmt"
	"math/rand"
	"time"
)

// SeedConfig controls the size and shape of a generated ward.
type SeedConfig struct {
	PatientCount int      `json:"patientCount"`
	Services     []string `json:"services,omitempty"`
	BedsPerRoom  int      `json:"bedsPerRoom"`
	Seed         int64    `json:"seed"`
}

// DefaultSeedConfig returns a small ward suitable for a demo round.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount: 24,
		Services:     defaultServices,
		BedsPerRoom:  2,
	}
}

// Occupant is one generated patient and the bed they occupy.
type Occupant struct {
	Name    string `json:"name"`
	Bed     string `json:"bed"`
	Service string `json:"service"`
	Line    string `json:"line"`
}

var (
	defaultServices = []string{"cardiology", "internal-medicine", "oncology", "surgery"}

	lines = []string{"A", "B"}

	firstNames = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Daniel", "Matthew", "Anthony", "Paul", "Andrew",
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Sarah", "Karen", "Lisa", "Nancy", "Margaret", "Emily",
		"Laura", "Anna", "Emma", "Helen", "Maria", "Diane", "Rachel",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore",
		"Jackson", "Martin", "Lee", "Perez", "Thompson", "White", "Harris",
		"Sanchez", "Clark", "Ramirez", "Lewis", "Robinson", "Walker",
	}
)

// DataGenerator produces occupants from a seeded source.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// Name returns a random "First Last" name.
func (g *DataGenerator) Name() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

// Ward lays out cfg.PatientCount occupants. Services are filled in turn, and
// within a service rooms are numbered from 101 with beds lettered a, b, ...
// Bed labels are unique across the ward.
func (g *DataGenerator) Ward(cfg SeedConfig) []Occupant {
	services := cfg.Services
	if len(services) == 0 {
		services = defaultServices
	}
	perRoom := cfg.BedsPerRoom
	if perRoom <= 0 {
		perRoom = 1
	}

	out := make([]Occupant, 0, cfg.PatientCount)
	for i := 0; i < cfg.PatientCount; i++ {
		svc := services[i%len(services)]
		slot := i / len(services)
		room := 101 + slot/perRoom
		bed := string(rune('a' + slot%perRoom))
		out = append(out, Occupant{
			Name:    g.Name(),
			Bed:     fmt.Sprintf("%s-%d%s", prefix(svc), room, bed),
			Service: svc,
			Line:    g.pick(lines),
		})
	}
	return out
}

// prefix is the upper-cased first three letters of a service name.
func prefix(service string) string {
	p := []rune(service)
	if len(p) > 3 {
		p = p[:3]
	}
	for i, r := range p {
		if r >= 'a' && r <= 'z' {
			p[i] = r - 'a' + 'A'
		}
	}
	return string(p)
}
