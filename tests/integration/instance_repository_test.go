package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/instance"
	pkgerrors "waflow/pkg/errors"
)

func TestInstanceRepositoryCreateAndFind(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	repo := instance.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	mapping := &instance.Mapping{
		TenantID: "tenant-1",
		BrokerID: "session-abc",
	}
	require.NoError(t, repo.Create(ctx, mapping))
	require.NotEmpty(t, mapping.ID, "create assigns an id")

	byID, err := repo.FindByIDOrBrokerID(ctx, mapping.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", byID.TenantID)

	byBroker, err := repo.FindByIDOrBrokerID(ctx, "session-abc")
	require.NoError(t, err)
	assert.Equal(t, mapping.ID, byBroker.ID)

	_, err = repo.FindByIDOrBrokerID(ctx, "unknown")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestInstanceRepositoryUpdateBrokerID(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	repo := instance.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	mapping := &instance.Mapping{TenantID: "tenant-1", BrokerID: "session-old"}
	require.NoError(t, repo.Create(ctx, mapping))

	require.NoError(t, repo.UpdateBrokerID(ctx, mapping.ID, "session-new"))

	found, err := repo.FindByIDOrBrokerID(ctx, "session-new")
	require.NoError(t, err)
	assert.Equal(t, mapping.ID, found.ID)

	_, err = repo.FindByIDOrBrokerID(ctx, "session-old")
	assert.True(t, pkgerrors.IsNotFound(err), "old broker id no longer resolves")

	err = repo.UpdateBrokerID(ctx, "missing-id", "whatever")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestInstanceResolverAgainstPostgres(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	repo := instance.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	mapping := &instance.Mapping{TenantID: "tenant-1", BrokerID: "session-abc"}
	require.NoError(t, repo.Create(ctx, mapping))

	resolver := instance.NewResolver(repo, "", createTestLogger())

	instanceID, tenantID := resolver.Resolve(ctx, "session-abc")
	assert.Equal(t, mapping.ID, instanceID)
	assert.Equal(t, "tenant-1", tenantID)

	instanceID, tenantID = resolver.Resolve(ctx, "session-missing")
	assert.Empty(t, instanceID)
	assert.Empty(t, tenantID)
}
