package typestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/errors"
)

func TestBuiltins(t *testing.T) {
	builtins := Builtins()
	assert.Len(t, builtins, 11)

	names := make(map[string]bool)
	for _, bt := range builtins {
		assert.True(t, bt.Builtin)
		names[bt.Name] = true
	}

	for _, want := range []string{
		"sensor", "data", "osc", "midi", "audio", "video",
		"ndi", "srt", "texture", "spout", "syphon",
	} {
		assert.True(t, names[want], "missing built-in %s", want)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"pointcloud", false},
		{"lidar_scan", false},
		{"t2", false},
		{"", true},
		{"2fast", true},
		{"Upper", true},
		{"has space", true},
		{"has-dash", true},
	}

	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.wantErr {
			assert.Error(t, err, "name %q", tt.name)
		} else {
			assert.NoError(t, err, "name %q", tt.name)
		}
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	custom := &StreamType{
		Name:          "pointcloud",
		DisplayName:   "Point Cloud",
		Description:   "LIDAR point cloud frames",
		DefaultConfig: map[string]any{"points_per_frame": 65536},
	}

	require.NoError(t, store.Create(ctx, custom))
	assert.False(t, custom.Builtin)
	assert.False(t, custom.CreatedAt.IsZero())

	got, err := store.Get(ctx, "pointcloud")
	require.NoError(t, err)
	assert.Equal(t, "Point Cloud", got.DisplayName)

	// List is built-ins plus customs
	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 12)

	// Update preserves created_at
	got.Description = "LIDAR point cloud frames, packed"
	require.NoError(t, store.Update(ctx, got))
	updated, err := store.Get(ctx, "pointcloud")
	require.NoError(t, err)
	assert.Equal(t, custom.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "LIDAR point cloud frames, packed", updated.Description)

	require.NoError(t, store.Delete(ctx, "pointcloud"))
	_, err = store.Get(ctx, "pointcloud")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreDuplicateCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	custom := &StreamType{Name: "pointcloud", DisplayName: "Point Cloud"}
	require.NoError(t, store.Create(ctx, custom))

	err := store.Create(ctx, &StreamType{Name: "pointcloud", DisplayName: "Again"})
	assert.True(t, errors.IsInvalid(err))
}

func TestBuiltinsAreProtected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Create(ctx, &StreamType{Name: "sensor", DisplayName: "Fake Sensor"})
	assert.True(t, errors.IsInvalid(err))

	err = store.Update(ctx, &StreamType{Name: "video", DisplayName: "Mutated"})
	assert.True(t, errors.IsInvalid(err))

	err = store.Delete(ctx, "audio")
	assert.True(t, errors.IsInvalid(err))

	// Built-ins resolve through Get without any custom entry
	got, err := store.Get(ctx, "syphon")
	require.NoError(t, err)
	assert.True(t, got.Builtin)
}

func TestUpdateMissingCustomType(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Update(ctx, &StreamType{Name: "ghost"})
	assert.True(t, errors.IsNotFound(err))

	err = store.Delete(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err))
}
