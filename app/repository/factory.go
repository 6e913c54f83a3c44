package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Repositories bundles the POS repositories of one database
type Repositories struct {
	Connection ConnectionRepository
	Restaurant RestaurantRepository
	Raw        RawRecordRepository
	Unified    UnifiedRepository
}

// NewRepositories builds all repositories over db
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Connection: NewConnectionRepository(db),
		Restaurant: NewRestaurantRepository(db),
		Raw:        NewRawRecordRepository(db),
		Unified:    NewUnifiedRepository(db),
	}
}

// Factory builds the repositories of a database once
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// GetRepositories returns the shared repositories, building them on first use
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

var (
	globalFactory *Factory
	factoryOnce   sync.Once
)

// InitializeFactory sets the process wide factory. Later calls are no-ops.
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalRepositories returns the repositories of the process wide factory.
// It panics when InitializeFactory was not called.
func GetGlobalRepositories() *Repositories {
	if globalFactory == nil {
		panic("repository factory not initialized, call InitializeFactory first")
	}
	return globalFactory.GetRepositories()
}
