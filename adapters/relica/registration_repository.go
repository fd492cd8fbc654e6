package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
	"github.com/coregx/relica"
)

// RegistrationRepository implements relay.RegistrationRepository using Relica.
type RegistrationRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewRegistrationRepository creates a new RegistrationRepository with default table prefix.
func NewRegistrationRepository(sqlDB *sql.DB, driverName string) *RegistrationRepository {
	return &RegistrationRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: "relay_",
	}
}

// NewRegistrationRepositoryWithPrefix creates a new RegistrationRepository with custom table prefix.
func NewRegistrationRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *RegistrationRepository {
	return &RegistrationRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *RegistrationRepository) tableName() string {
	return r.tablePrefix + "registrations"
}

// Load retrieves a registration by id.
func (r *RegistrationRepository) Load(ctx context.Context, id string) (model.Registration, error) {
	var reg model.Registration

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("id = ?", id).
		WithContext(ctx).
		One(&reg)

	if errors.Is(err, sql.ErrNoRows) {
		return reg, relay.ErrNoData
	}
	if err != nil {
		return reg, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to load registration", err)
	}

	return reg, nil
}

// Save creates a new registration or updates an existing one. Registrations
// carry pre-generated uuid ids, so existence decides between insert and update.
func (r *RegistrationRepository) Save(ctx context.Context, m model.Registration) (model.Registration, error) {
	_, err := r.Load(ctx, m.ID)
	if relay.IsNoData(err) {
		if insertErr := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert(); insertErr != nil {
			return m, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to insert registration", insertErr)
		}
		return m, nil
	}
	if err != nil {
		return m, err
	}

	// Update using Model() API - auto WHERE id = ?
	if updateErr := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update(); updateErr != nil {
		return m, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to update registration", updateErr)
	}

	return m, nil
}

// FindActiveByInterface retrieves the active registrations of one interface.
func (r *RegistrationRepository) FindActiveByInterface(ctx context.Context, interfaceName string) ([]model.Registration, error) {
	var regs []model.Registration

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("interface_name = ? AND is_active = ?", interfaceName, true).
		OrderBy("created_at ASC").
		WithContext(ctx).
		All(&regs)

	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find registrations by interface", err)
	}

	if len(regs) == 0 {
		return nil, relay.ErrNoData
	}

	return regs, nil
}

// FindByInstance retrieves the registration of one destination instance
// regardless of active state.
func (r *RegistrationRepository) FindByInstance(ctx context.Context, interfaceName, adapterName, instanceID string) (model.Registration, error) {
	var reg model.Registration

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("interface_name = ? AND adapter_name = ? AND instance_id = ?",
			interfaceName, adapterName, instanceID).
		WithContext(ctx).
		One(&reg)

	if errors.Is(err, sql.ErrNoRows) {
		return reg, relay.ErrNoData
	}
	if err != nil {
		return reg, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find registration by instance", err)
	}

	return reg, nil
}

// FindAllActive retrieves every active registration across interfaces.
func (r *RegistrationRepository) FindAllActive(ctx context.Context) ([]model.Registration, error) {
	var regs []model.Registration

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("is_active = ?", true).
		OrderBy("interface_name ASC, created_at ASC").
		WithContext(ctx).
		All(&regs)

	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find active registrations", err)
	}

	if len(regs) == 0 {
		return nil, relay.ErrNoData
	}

	return regs, nil
}
