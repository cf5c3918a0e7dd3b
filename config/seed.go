package config

import (
	"fmt"

	"github.com/google/uuid"

	"loyalty-backend/models"
)

// Seed is the initial member directory and product catalogue for the memory
// driver. The Postgres driver reads both from its tables instead.
type Seed struct {
	Users    []SeedUser    `yaml:"users"`
	Products []SeedProduct `yaml:"products"`
}

type SeedUser struct {
	ID   uuid.UUID `yaml:"id"`
	Name string    `yaml:"name"`
}

type SeedProduct struct {
	ID        uuid.UUID `yaml:"id"`
	Name      string    `yaml:"name"`
	UnitPrice int64     `yaml:"unit_price"`
	Stock     int       `yaml:"stock"`
}

type userAdder interface {
	Add(id uuid.UUID, name string) uuid.UUID
}

type productPutter interface {
	PutProduct(p models.Product)
}

func (s Seed) Empty() bool {
	return len(s.Users) == 0 && len(s.Products) == 0
}

// Apply adds the seeded users to dir and the seeded products to catalogue.
func (s Seed) Apply(dir userAdder, catalogue productPutter) {
	for _, u := range s.Users {
		dir.Add(u.ID, u.Name)
	}
	for _, p := range s.Products {
		catalogue.PutProduct(models.Product{
			ID:        p.ID,
			Name:      p.Name,
			UnitPrice: p.UnitPrice,
			Stock:     p.Stock,
			Active:    true,
		})
	}
}

func (s Seed) validate() error {
	for i, u := range s.Users {
		if u.ID == uuid.Nil || u.Name == "" {
			return fmt.Errorf("seed user %d needs an id and a name", i)
		}
	}
	for i, p := range s.Products {
		switch {
		case p.ID == uuid.Nil || p.Name == "":
			return fmt.Errorf("seed product %d needs an id and a name", i)
		case p.UnitPrice <= 0:
			return fmt.Errorf("seed product %s: unit_price must be positive", p.Name)
		case p.Stock < 0:
			return fmt.Errorf("seed product %s: stock must not be negative", p.Name)
		}
	}
	return nil
}
