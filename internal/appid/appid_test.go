package appid

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "", (*Identity)(nil).CanonicalID())
	assert.Equal(t, "EXCEL.EXE", (&Identity{Name: "EXCEL.EXE"}).CanonicalID())
	assert.Equal(t, "com.microsoft.Excel",
		(&Identity{Name: "Microsoft Excel", BundleID: "com.microsoft.Excel"}).CanonicalID())
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "EXCEL.EXE", baseName(`C:\Program Files\Microsoft Office\EXCEL.EXE`))
	assert.Equal(t, "firefox", baseName("/usr/lib/firefox/firefox"))
	assert.Equal(t, "firefox", baseName("firefox"))
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(&Identity{PID: 100, Name: "EXCEL.EXE"})

	id, err := r.Resolve(100)
	require.NoError(t, err)
	assert.Equal(t, "EXCEL.EXE", id.Name)

	_, err = r.Resolve(101)
	assert.ErrorIs(t, err, ErrProcessGone)

	r.Add(&Identity{PID: 101, Name: "notepad.exe"})
	id, err = r.Resolve(101)
	require.NoError(t, err)
	assert.Equal(t, "notepad.exe", id.Name)
}

func TestResolveSelf(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		t.Skip("no platform resolver")
	}
	r := New()
	id, err := r.Resolve(int32(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, id.Name)

	// Second resolve hits the cache and must return the same identity.
	again, err := r.Resolve(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Same(t, id, again)
}

func TestResolveInvalidPID(t *testing.T) {
	r := New()
	_, err := r.Resolve(0)
	assert.Error(t, err)
	_, err = r.Resolve(-5)
	assert.Error(t, err)
}
