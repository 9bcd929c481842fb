// Package config holds the settings of a running engine. Settings come from
// one YAML file or a directory of them merged in lexical order, and can be
// reloaded while running; components register callbacks to pick up changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, a file or a directory of .yaml/.yml files, and replaces
// the settings with the merged result. Keys of later files win.
func (c *C) Load(path string) error {
	texts, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}
	m, err := merge(texts)
	if err != nil {
		return err
	}
	c.path = path
	c.Settings = m
	return nil
}

// LoadString replaces the settings with the document raw.
func (c *C) LoadString(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty configuration")
	}
	m, err := merge([]string{raw})
	if err != nil {
		return err
	}
	c.Settings = m
	return nil
}

func merge(texts []string) (map[string]any, error) {
	var m map[string]any
	for _, text := range texts {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(text), &nm); err != nil {
			return nil, err
		}
		if nm == nil {
			nm = make(map[string]any)
		}
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

// RegisterReloadCallback stores f to run after every reload. Callbacks decide
// with HasChanged whether they have anything to do, and must not block for
// long.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad reports whether no reload happened yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. An empty k compares everything. Values
// are compared in their YAML form.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	nv, ov := any(c.Settings), any(c.oldSettings)
	if k != "" {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	nb, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}
	ob, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}
	return string(nb) != string(ob)
}

// CatchHUP reloads the config from the path given to Load on every SIGHUP
// until ctx ends.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the original path again and runs the callbacks. A
// config that fails to load keeps the current settings.
func (c *C) ReloadConfig() {
	if err := c.reload(func() error { return c.Load(c.path) }); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
	}
}

// ReloadConfigString replaces the settings with raw and runs the callbacks.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	prev := maps.Clone(c.Settings)
	if err := load(); err != nil {
		c.Settings = prev
		return err
	}
	c.oldSettings = prev

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// GetString returns the value of k formatted as a string, or d.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetStringSlice returns the list under k as strings, or d.
func (c *C) GetStringSlice(k string, d []string) []string {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}
	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}
	return v
}

// GetMap returns the map under k, or d.
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	v, ok := c.Get(k).(map[string]any)
	if !ok {
		return d
	}
	return v
}

// GetInt returns the integer under k, or d when it is missing or not an
// integer.
func (c *C) GetInt(k string, d int) int {
	switch v := c.Get(k).(type) {
	case int:
		return v
	case nil:
		return d
	default:
		n, err := strconv.Atoi(fmt.Sprintf("%v", v))
		if err != nil {
			return d
		}
		return n
	}
}

// GetBool returns the boolean under k, or d. yes/no and y/n are accepted in
// any case.
func (c *C) GetBool(k string, d bool) bool {
	r := c.Get(k)
	if r == nil {
		return d
	}
	if v, ok := AsBool(r); ok {
		return v
	}
	s := strings.ToLower(fmt.Sprintf("%v", r))
	if v, ok := AsBool(s); ok {
		return v
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return d
}

// AsBool converts a YAML scalar to a boolean.
func AsBool(v any) (value bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch x {
		case "y", "yes":
			return true, true
		case "n", "no":
			return false, true
		}
	}
	return false, false
}

// GetDuration returns the duration under k, or d when it is missing or does
// not parse.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// Get returns the raw value under the dotted key k.
func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}
