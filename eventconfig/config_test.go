package eventconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/log"
)

type memKV struct {
	mu  sync.Mutex
	m   map[string]string
	err error
}

func newMemKV() *memKV { return &memKV{m: make(map[string]string)} }

func (kv *memKV) GetValue(_ context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.err != nil {
		return "", false, kv.err
	}
	v, ok := kv.m[key]
	return v, ok, nil
}

func (kv *memKV) PutValue(_ context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.m[key] = value
	return nil
}

func (kv *memKV) DeleteValue(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "standard", cfg: Standard()},
		{name: "detailed", cfg: Detailed()},
		{name: "debug", cfg: Debug()},
		{
			name: "duplicate",
			cfg: Config{Listeners: []Listener{
				{Name: "click", Enabled: true, HandlerClass: Immediate},
				{Name: "click", Enabled: false, HandlerClass: Immediate},
			}},
			wantErr: true,
		},
		{
			name:    "empty_name",
			cfg:     Config{Listeners: []Listener{{Name: " ", HandlerClass: Immediate}}},
			wantErr: true,
		},
		{
			name:    "unknown_class",
			cfg:     Config{Listeners: []Listener{{Name: "click", HandlerClass: "throttled"}}},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfigClassOf(t *testing.T) {
	t.Parallel()

	c := Config{Listeners: []Listener{
		{Name: "click", Enabled: true, HandlerClass: Immediate},
		{Name: "scroll", Enabled: false, HandlerClass: DebouncedScroll},
	}}

	class, ok := c.ClassOf("click")
	assert.True(t, ok)
	assert.Equal(t, Immediate, class)

	_, ok = c.ClassOf("scroll")
	assert.False(t, ok, "disabled listeners are not recorded")

	_, ok = c.ClassOf("mousemove")
	assert.False(t, ok)

	d := Debug()
	class, ok = d.ClassOf("mousemove")
	assert.True(t, ok)
	assert.Equal(t, Immediate, class)
	class, ok = d.ClassOf("scroll")
	assert.True(t, ok)
	assert.Equal(t, DebouncedScroll, class)
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	c, err := ParseFile([]byte(`{"domEvents": [
		{"name": "click", "enabled": true, "handler": "recordEvent"},
		{"name": "input", "enabled": true, "handler": "debouncedRecordInput"},
		{"name": "scroll", "enabled": false, "handler": "debouncedRecordScroll"},
		{"name": "*", "enabled": true, "handler": "recordEvent"}
	]}`))
	require.NoError(t, err)
	assert.True(t, c.Wildcard)
	assert.Equal(t, []Listener{
		{Name: "click", Enabled: true, HandlerClass: Immediate},
		{Name: "input", Enabled: true, HandlerClass: DebouncedInput},
		{Name: "scroll", Enabled: false, HandlerClass: DebouncedScroll},
	}, c.Listeners)

	buf, err := MarshalFile(c)
	require.NoError(t, err)
	again, err := ParseFile(buf)
	require.NoError(t, err)
	assert.Equal(t, c, again)

	_, err = ParseFile([]byte(`{"domEvents": [{"name": "click", "enabled": true, "handler": "throttle"}]}`))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseFile([]byte(`{`))
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	c, err := Default()
	require.NoError(t, err)
	for _, name := range []string{"click", "input", "change", "submit"} {
		_, ok := c.ClassOf(name)
		assert.True(t, ok, name)
	}
}

func TestStoreLoadOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("default", func(t *testing.T) {
		t.Parallel()

		s := NewStore(newMemKV(), log.NewNullLogger())
		c, err := s.Load(ctx)
		require.NoError(t, err)
		def, err := Default()
		require.NoError(t, err)
		assert.Equal(t, def, c)
	})

	t.Run("override", func(t *testing.T) {
		t.Parallel()

		kv := newMemKV()
		s := NewStore(kv, log.NewNullLogger())
		require.NoError(t, s.Save(ctx, Detailed()))
		c, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, Detailed(), c)
	})

	t.Run("corrupt_override", func(t *testing.T) {
		t.Parallel()

		kv := newMemKV()
		kv.m[StorageKey] = `{"listeners":[{"name":"a","handlerClass":"nope"}]}`
		s := NewStore(kv, log.NewNullLogger())
		c, err := s.Load(ctx)
		require.NoError(t, err)
		def, err := Default()
		require.NoError(t, err)
		assert.Equal(t, def, c)
	})

	t.Run("kv_error", func(t *testing.T) {
		t.Parallel()

		kv := newMemKV()
		kv.err = errors.New("disk on fire")
		s := NewStore(kv, log.NewNullLogger())
		_, err := s.Load(ctx)
		require.Error(t, err)
	})
}

func TestStoreSaveNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(newMemKV(), log.NewNullLogger())

	var got []Config
	unsubscribe := s.Subscribe(func(c Config) { got = append(got, c) })

	require.NoError(t, s.Save(ctx, Standard()))
	require.Error(t, s.Save(ctx, Config{Listeners: []Listener{{Name: "x", HandlerClass: "bad"}}}))
	require.NoError(t, s.Reset(ctx))
	unsubscribe()
	require.NoError(t, s.Save(ctx, Detailed()))

	require.Len(t, got, 2)
	assert.Equal(t, Standard(), got[0])
	def, err := Default()
	require.NoError(t, err)
	assert.Equal(t, def, got[1])
}

func TestStoreWatchFile(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	path := filepath.Join(t.TempDir(), "events.json")
	first, err := MarshalFile(Standard())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, first, 0o600))

	s := NewStore(newMemKV(), log.NewNullLogger())
	var (
		mu   sync.Mutex
		seen []Config
	)
	s.Subscribe(func(c Config) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c)
	})

	require.NoError(t, s.WatchFile(ctx, path))
	c, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Standard(), c)

	second, err := MarshalFile(Detailed())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, second, 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && assert.ObjectsAreEqual(Detailed(), seen[len(seen)-1])
	}, 5*time.Second, 50*time.Millisecond)
}
