package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/forgeerr"
	"forge/internal/model"
)

func TestOpenOnMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Open(path)
	require.NoError(t, err)

	_, err = r.Lookup("write_note")
	require.True(t, forgeerr.Is(err, forgeerr.ErrUnknownEntity))
}

func TestPromoteThenLookupRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Open(path)
	require.NoError(t, err)

	entry := model.RegistryEntry{
		Name:            "write_note",
		Module:          "skills.write_note",
		SideEffectClass: model.SideEffectFileWrite,
		RequiredSecrets: []string{"NOTES_DIR"},
	}
	source := []byte("class WriteNote: pass\n")
	require.NoError(t, r.Promote(entry, source))

	got, err := r.Lookup("write_note")
	require.NoError(t, err)
	require.Equal(t, "write_note", got.Name)
	require.NotEmpty(t, got.Hash)

	require.NoError(t, VerifyTrust(got, source))
}

func TestPromoteWritesFileAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Open(path)
	require.NoError(t, err)

	entry := model.RegistryEntry{Name: "write_note", Module: "skills.write_note"}
	require.NoError(t, r.Promote(entry, []byte("x")))

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestLookupObservesExternalRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	writer, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, writer.Promote(model.RegistryEntry{Name: "write_note"}, []byte("x")))

	reader, err := Open(path)
	require.NoError(t, err)
	_, err = reader.Lookup("write_note")
	require.NoError(t, err)

	require.NoError(t, writer.Promote(model.RegistryEntry{Name: "send_alert"}, []byte("y")))

	got, err := reader.Lookup("send_alert")
	require.NoError(t, err)
	require.Equal(t, "send_alert", got.Name)
}

func TestVerifyTrustSkipsOnMissingHash(t *testing.T) {
	entry := model.RegistryEntry{Name: "legacy_skill"}
	require.NoError(t, VerifyTrust(entry, []byte("anything")))
}

func TestVerifyTrustFailsOnMismatch(t *testing.T) {
	entry := model.RegistryEntry{Name: "write_note", Hash: "deadbeef"}
	err := VerifyTrust(entry, []byte("tampered source"))
	require.Error(t, err)
	require.True(t, forgeerr.Is(err, forgeerr.ErrTrustError))
}

func TestWatcherReloadsOnExternalPromotion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	writer, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, writer.Promote(model.RegistryEntry{Name: "write_note"}, []byte("x")))

	reader, err := Open(path)
	require.NoError(t, err)
	w, err := NewWatcher(reader)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, writer.Promote(model.RegistryEntry{Name: "send_alert"}, []byte("y")))

	require.Eventually(t, func() bool {
		_, err := reader.Lookup("send_alert")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
