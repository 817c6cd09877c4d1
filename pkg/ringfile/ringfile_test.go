package ringfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.bin")
	writeFile(t, path, "hello ring")

	digest, err := Digest(path)
	require.NoError(t, err)
	assert.Len(t, digest, 32)

	digest2, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, digest, digest2, "digest must be deterministic")
}

func TestDigest_MissingFile(t *testing.T) {
	_, err := Digest(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.builder")
	writeFile(t, path, "builder contents")
	backupDir := filepath.Join(dir, "backups")

	backupPath, digest, err := Backup(path, backupDir)
	require.NoError(t, err)
	assert.FileExists(t, backupPath)
	assert.Equal(t, filepath.Dir(backupPath), backupDir)

	wantDigest, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, digest)
}

func TestBackup_CreatesDirIfAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "object.builder")
	writeFile(t, path, "x")
	backupDir := filepath.Join(dir, "nested", "backups")

	_, _, err := Backup(path, backupDir)
	require.NoError(t, err)
	info, err := os.Stat(backupDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestBackup_TolerantOfExistingDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.builder")
	writeFile(t, path, "y")
	backupDir := filepath.Join(dir, "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0o755))

	_, _, err := Backup(path, backupDir)
	assert.NoError(t, err)
}

func TestPublishAtomic_Success(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "account.ring.gz")
	writeFile(t, target, "old content")

	err := PublishAtomic(target, 0o644, func(tmpPath string) error {
		return os.WriteFile(tmpPath, []byte("new content"), 0o644)
	})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestPublishAtomic_WriteFnErrorLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "object.ring.gz")
	writeFile(t, target, "original")

	err := PublishAtomic(target, 0o644, func(tmpPath string) error {
		return assert.AnError
	})
	require.Error(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be removed on failure")
}

func TestPublishAtomic_SetsMode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "container.ring.gz")

	err := PublishAtomic(target, 0o640, func(tmpPath string) error {
		return os.WriteFile(tmpPath, []byte("data"), 0o644)
	})
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestValidateRing_ValidRing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.ring.gz")

	devs := []*Device{{ID: 1, IP: "10.0.0.1", Port: 6000, Zone: 1, Weight: 100}}
	builder := NewBuilder(devs, 256, 1)
	ring := builder.GetRing()
	require.NoError(t, ring.Save(path))

	assert.True(t, ValidateRing(path))
}

func TestValidateRing_EmptyDevices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.ring.gz")

	builder := NewBuilder(nil, 256, 1)
	ring := builder.GetRing()
	require.NoError(t, ring.Save(path))

	assert.False(t, ValidateRing(path))
}

func TestValidateRing_HolesOnlyDoNotRaise(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holes.ring.gz")

	devs := []*Device{nil, nil}
	builder := NewBuilder(devs, 256, 1)
	ring := builder.GetRing()
	require.NoError(t, ring.Save(path))

	assert.False(t, ValidateRing(path))
}

func TestValidateRing_MissingFile(t *testing.T) {
	assert.False(t, ValidateRing(filepath.Join(t.TempDir(), "nope.ring.gz")))
}

func TestLockParent_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.builder")
	writeFile(t, path, "x")

	unlock, err := LockParent(path, 0)
	require.NoError(t, err)
	require.NotNil(t, unlock)
	unlock()
	unlock() // idempotent
}

func TestDeviceStep_SnapsOnOvershoot(t *testing.T) {
	target := 107.0
	d := &Device{ID: 1, Weight: 100, TargetWeight: &target}
	d.Step(5)
	assert.Equal(t, 107.0, d.Weight)
}

func TestDeviceStep_ConvergesInSteps(t *testing.T) {
	target := 110.0
	d := &Device{ID: 1, Weight: 100, TargetWeight: &target}

	d.Step(5)
	assert.Equal(t, 105.0, d.Weight)

	d.Step(5)
	assert.Equal(t, 110.0, d.Weight, "second step snaps onto target")

	before := d.Weight
	d.Step(5)
	assert.Equal(t, before, d.Weight, "no change once converged")
}

func TestDeviceStep_Unmanaged(t *testing.T) {
	d := &Device{ID: 1, Weight: 100}
	d.Step(5)
	assert.Equal(t, 100.0, d.Weight)
	assert.False(t, d.Managed())
	assert.False(t, d.NeedsAdjust())
}

func TestDeviceStep_PerDeviceShiftOverridesDefault(t *testing.T) {
	target := 120.0
	shift := 20.0
	d := &Device{ID: 1, Weight: 100, TargetWeight: &target, WeightShift: &shift}
	d.Step(5) // default shift should be ignored in favor of the per-device override
	assert.Equal(t, 120.0, d.Weight)
}
