package service

import (
	"math/rand"
	"sync"

	"github.com/jaswdr/faker"

	"lastmile/internal/domain"
)

// feeMenu holds the flat delivery prices offered to senders.
var feeMenu = []float64{500, 600, 800, 1000, 1500, 2000}

var packageSizes = []domain.PackageSize{
	domain.PackageSizeSmall,
	domain.PackageSizeMedium,
	domain.PackageSizeLarge,
}

var packageKinds = []string{"Documents", "Electronics", "Clothing", "Groceries", "Cosmetics", "Spare parts"}

// DemandSource produces synthetic delivery requests.
type DemandSource interface {
	Next() domain.NewDelivery
}

// DemandGenerator fabricates plausible deliveries with faker. With a fixed seed the
// sequence of generated deliveries is reproducible.
type DemandGenerator struct {
	mu   sync.Mutex
	fake faker.Faker
	rng  *rand.Rand
}

// NewDemandGenerator creates a generator seeded with seed.
func NewDemandGenerator(seed int64) *DemandGenerator {
	return &DemandGenerator{
		fake: faker.NewWithSeed(rand.NewSource(seed)),
		rng:  rand.New(rand.NewSource(seed + 1)),
	}
}

// Next returns a new pending-delivery request.
func (g *DemandGenerator) Next() domain.NewDelivery {
	g.mu.Lock()
	defer g.mu.Unlock()

	addr := g.fake.Address()
	return domain.NewDelivery{
		Pickup:             addr.StreetAddress() + ", " + addr.City(),
		Dropoff:            addr.StreetAddress() + ", " + addr.City(),
		PackageSize:        packageSizes[g.rng.Intn(len(packageSizes))],
		PackageDescription: packageKinds[g.rng.Intn(len(packageKinds))],
		ReceiverName:       g.fake.Person().Name(),
		ReceiverPhone:      g.fake.Phone().Number(),
		DeliveryFee:        feeMenu[g.rng.Intn(len(feeMenu))],
		PaymentStatus:      domain.PaymentStatusPending,
	}
}
