package sessions

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestStoreLookup(t *testing.T) {
	store := NewStore(map[string]Entry{
		"k": {Token: "t", Target: Target{Host: "h", Port: 1}},
	})

	entry, ok := store.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "t", entry.Token)
	assert.Equal(t, Target{Host: "h", Port: 1}, entry.Target)

	_, ok = store.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len())
}

func TestStoreReplaceIsAtomic(t *testing.T) {
	store := NewStore(nil)
	assert.Equal(t, 0, store.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if entry, ok := store.Lookup("k"); ok {
					assert.Equal(t, entry.Token+"-host", entry.Target.Host)
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		token := "t" + string(rune('a'+i%26))
		store.Replace(map[string]Entry{"k": {Token: token, Target: Target{Host: token + "-host", Port: i}}})
	}
	wg.Wait()
}

func TestStoreSnapshotIsCopy(t *testing.T) {
	store := NewStore(map[string]Entry{"k": {Token: "t"}})
	snap := store.Snapshot()
	snap["other"] = Entry{}

	_, ok := store.Lookup("other")
	assert.False(t, ok)
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:8888", Target{Host: "10.0.0.1", Port: 8888}.String())
	assert.Equal(t, "[::1]:80", Target{Host: "::1", Port: 80}.String())
}

func TestFileSourceJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.json")
	writeFile(t, path, `{
		"abc": {"token": "tok1", "host": "10.0.0.1", "port": 8888},
		"def": {"token": "tok2", "host": "10.0.0.2", "port": "9999"},
		"ghi": {"token": "tok3", "target": {"host": "node3", "port": 7}}
	}`)

	table, err := NewFileSource(path, FormatJSON).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Entry{Token: "tok1", Target: Target{Host: "10.0.0.1", Port: 8888}}, table["abc"])
	assert.Equal(t, Entry{Token: "tok2", Target: Target{Host: "10.0.0.2", Port: 9999}}, table["def"])
	assert.Equal(t, Entry{Token: "tok3", Target: Target{Host: "node3", Port: 7}}, table["ghi"])
}

func TestFileSourceYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.yml")
	writeFile(t, path, `
abc:
  token: tok1
  host: 10.0.0.1
  port: 8888
def:
  token: tok2
  host: node2
  port: "9999"
`)

	table, err := NewFileSource(path, FormatYAML).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Target{Host: "10.0.0.1", Port: 8888}, table["abc"].Target)
	assert.Equal(t, Target{Host: "node2", Port: 9999}, table["def"].Target)
}

func TestFileSourceErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileSource(filepath.Join(dir, "missing.json"), FormatJSON).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read session file")

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"abc": {"token": "t", "port": "http"}}`)
	_, err = NewFileSource(bad, FormatJSON).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")

	empty := filepath.Join(dir, "empty.json")
	writeFile(t, empty, "  \n")
	_, err = NewFileSource(empty, FormatJSON).Load(context.Background())
	assert.ErrorIs(t, err, ErrEmptyFile)

	emptyMap := filepath.Join(dir, "empty_map.json")
	writeFile(t, emptyMap, "{}")
	table, err := NewFileSource(emptyMap, FormatJSON).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestLoaderKeepsTableWhileFileIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.json")
	writeFile(t, path, `{"k": {"token": "t", "host": "h", "port": 1}}`)

	store := NewStore(nil)
	loader := NewLoader(NewFileSource(path, FormatJSON), store)
	require.NoError(t, loader.Reload(context.Background()))

	writeFile(t, path, "")
	assert.ErrorIs(t, loader.Reload(context.Background()), ErrEmptyFile)

	entry, ok := store.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "t", entry.Token)
}

func createSessionDB(t *testing.T, path string, rows [][]any) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE gxitproxy (key text, key_type text, token text, host text, port integer, info text, PRIMARY KEY (key, key_type))`)
	require.NoError(t, err)
	for _, row := range rows {
		_, err = db.Exec(`INSERT INTO gxitproxy (key, key_type, token, host, port, info) VALUES (?, 'interactivetoolentrypoint', ?, ?, ?, '{}')`, row...)
		require.NoError(t, err)
	}
}

func TestSQLiteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.sqlite")
	createSessionDB(t, path, [][]any{
		{"abc", "tok1", "10.0.0.1", 8888},
		{"def", "tok2", "10.0.0.2", nil},
	})

	src, err := NewSQLiteSource(path)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Ping(context.Background()))
	table, err := src.Load(context.Background())
	require.NoError(t, err)

	assert.Len(t, table, 2)
	assert.Equal(t, Entry{Token: "tok1", Target: Target{Host: "10.0.0.1", Port: 8888}}, table["abc"])
	assert.Equal(t, 0, table["def"].Target.Port)
	assert.Contains(t, src.Name(), "sqlite")
}

func TestNewSourceFromConfig(t *testing.T) {
	dir := t.TempDir()

	src, err := NewSource(config.SessionsConfig{Path: filepath.Join(dir, "m.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileSource{}, src)

	src, err = NewSource(config.SessionsConfig{Path: filepath.Join(dir, "m.yaml")})
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, src.(*FileSource).format)

	dbPath := filepath.Join(dir, "m.sqlite")
	createSessionDB(t, dbPath, nil)
	src, err = NewSource(config.SessionsConfig{Path: dbPath})
	require.NoError(t, err)
	assert.IsType(t, &SQLSource{}, src)
	require.NoError(t, src.Close())

	_, err = NewSource(config.SessionsConfig{})
	assert.Error(t, err)
}

func TestLoaderKeepsPreviousTableOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.json")
	writeFile(t, path, `{"k": {"token": "t", "host": "h", "port": 1}}`)

	store := NewStore(nil)
	loader := NewLoader(NewFileSource(path, FormatJSON), store)

	var reloaded atomic.Int32
	loader.OnReload(func(count int) { reloaded.Store(int32(count)) })

	require.NoError(t, loader.Reload(context.Background()))
	assert.Equal(t, int32(1), reloaded.Load())

	writeFile(t, path, `{not json`)
	require.Error(t, loader.Reload(context.Background()))

	entry, ok := store.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "t", entry.Token)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.json")
	writeFile(t, path, `{}`)

	store := NewStore(nil)
	loader := NewLoader(NewFileSource(path, FormatJSON), store)
	require.NoError(t, loader.Reload(context.Background()))

	w, err := NewWatcher(path, loader, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	defer w.Close()

	writeFile(t, path, `{"k": {"token": "t", "host": "h", "port": 1}}`)

	assert.Eventually(t, func() bool {
		_, ok := store.Lookup("k")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherReloadsOnRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session_map.json")
	writeFile(t, path, `{}`)

	store := NewStore(nil)
	loader := NewLoader(NewFileSource(path, FormatJSON), store)

	w, err := NewWatcher(path, loader, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	defer w.Close()

	tmp := filepath.Join(dir, "session_map.json.tmp")
	writeFile(t, tmp, `{"k": {"token": "t", "host": "h", "port": 2}}`)
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		entry, ok := store.Lookup("k")
		return ok && entry.Target.Port == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPollerRejectsShortInterval(t *testing.T) {
	_, err := NewPoller(NewLoader(NewFileSource("x.json", FormatJSON), NewStore(nil)), 100*time.Millisecond)
	require.Error(t, err)
}

func TestPollerReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_map.sqlite")
	createSessionDB(t, path, [][]any{{"abc", "tok1", "10.0.0.1", 8888}})

	src, err := NewSQLiteSource(path)
	require.NoError(t, err)
	defer src.Close()

	store := NewStore(nil)
	poller, err := NewPoller(NewLoader(src, store), time.Second)
	require.NoError(t, err)
	poller.Start()
	defer poller.Stop()

	assert.Eventually(t, func() bool {
		_, ok := store.Lookup("abc")
		return ok
	}, 4*time.Second, 50*time.Millisecond)
}
