package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jaffee/commandeer"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/query"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pilosa/pubsafe/test"
	"github.com/pilosa/pubsafe/validate"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	rc := NewRootCommand(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	var names []string
	for _, c := range rc.Commands() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	require.Equal(t, []string{"query", "run", "schema", "serve", "validate"}, names)
	if rc.PersistentFlags().Lookup("config") == nil {
		t.Fatal("no config flag")
	}
}

func TestSetAllConfig(t *testing.T) {
	var (
		bind    string
		timeout time.Duration
		classes []string
		config  string
	)
	newFlags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.StringVar(&bind, "bind", ":12121", "")
		fs.DurationVar(&timeout, "shutdown-timeout", time.Second, "")
		fs.StringSliceVar(&classes, "classes", nil, "")
		fs.StringVar(&config, "config", "", "")
		return fs
	}

	path := test.MustWriteFile(t, t.TempDir(), "pubsafe.toml", `
bind = ":9000"
shutdown-timeout = "3s"
classes = ["incidents", "arrests"]
`)

	fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--config", path}))
	require.NoError(t, setAllConfig(viper.New(), fs, "PUBSAFE"))
	test.MustBe(t, ":9000", bind)
	test.MustBe(t, 3*time.Second, timeout)
	require.Equal(t, []string{"incidents", "arrests"}, classes)

	// env is overridden by flags but overrides the file
	os.Setenv("PUBSAFE_SHUTDOWN_TIMEOUT", "5s")
	defer os.Unsetenv("PUBSAFE_SHUTDOWN_TIMEOUT")
	fs = newFlags()
	require.NoError(t, fs.Parse([]string{"--config", path, "--bind", ":8000"}))
	require.NoError(t, setAllConfig(viper.New(), fs, "PUBSAFE"))
	test.MustBe(t, ":8000", bind)
	test.MustBe(t, 5*time.Second, timeout)

	fs = newFlags()
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}))
	if err := setAllConfig(viper.New(), fs, "PUBSAFE"); err == nil {
		t.Fatal("expected error reading missing config file")
	}
}

func TestConfigSections(t *testing.T) {
	newMain := func() (*ValidateMain, *pflag.FlagSet) {
		m := &ValidateMain{Store: snapshot.NewOptions(), Validate: validate.NewConfig()}
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		require.NoError(t, commandeer.Flags(fs, m))
		fs.String("config", "", "")
		return m, fs
	}
	dir := t.TempDir()
	path := test.MustWriteFile(t, dir, "pubsafe.toml", `
[store]
dir = "/var/lib/pubsafe"

[validate]
max-swing = 0.75

[validate.classes.arrests]
min-rows = 1000
max-rows = 500000

[validate.severities]
null_rate = "fatal"
`)

	m, fs := newMain()
	require.NoError(t, fs.Parse([]string{"--config", path}))
	require.NoError(t, setAllConfig(viper.New(), fs, EnvPrefix, validateSections("validate", &m.Validate)...))
	test.MustBe(t, "/var/lib/pubsafe", m.Store.Dir)
	test.MustBe(t, 0.75, m.Validate.MaxSwing)
	arrests := m.Validate.Classes[pubsafe.Arrests]
	test.MustBe(t, int64(1000), arrests.MinRows)
	test.MustBe(t, int64(500000), arrests.MaxRows)
	test.MustBe(t, 2021, arrests.MinYear, "unset keys keep their defaults")
	test.MustBe(t, int64(1), m.Validate.Classes[pubsafe.Incidents].MinRows)
	test.MustBe(t, pubsafe.Fatal, m.Validate.Severities["null_rate"])

	// dotted flag names in the environment
	os.Setenv("PUBSAFE_STORE_DIR", "/srv/pubsafe")
	defer os.Unsetenv("PUBSAFE_STORE_DIR")
	m, fs = newMain()
	require.NoError(t, fs.Parse([]string{"--config", path}))
	require.NoError(t, setAllConfig(viper.New(), fs, EnvPrefix, validateSections("validate", &m.Validate)...))
	test.MustBe(t, "/srv/pubsafe", m.Store.Dir)

	for name, content := range map[string]string{
		"unknown key":      "[store]\ndirectory = \"x\"\n",
		"unknown class":    "[validate.classes.parking]\nmin-rows = 1\n",
		"unknown severity": "[validate.severities]\nrow_count = \"loud\"\n",
	} {
		m, fs := newMain()
		bad := test.MustWriteFile(t, dir, "bad.toml", content)
		require.NoError(t, fs.Parse([]string{"--config", bad}))
		if err := setAllConfig(viper.New(), fs, EnvPrefix, validateSections("validate", &m.Validate)...); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestWriteResult(t *testing.T) {
	buf := &bytes.Buffer{}
	writeResult(buf, &query.Result{
		Class:   pubsafe.Incidents,
		Columns: []string{"agency_short", "count"},
		Rows: [][]pubsafe.Value{
			{pubsafe.Of("SDPD"), pubsafe.Of(int64(12))},
			{pubsafe.NullValue(), pubsafe.Of(int64(3))},
		},
		Plan: query.Plan{Table: "crime_by_agency", Version: "v1"},
	})
	out := buf.String()
	for _, s := range []string{"agency_short", "SDPD", "12", "<null>", "2 rows, plan table:crime_by_agency, version v1"} {
		if !strings.Contains(out, s) {
			t.Fatalf("output missing %q:\n%s", s, out)
		}
	}
}

func TestWriteRun(t *testing.T) {
	buf := &bytes.Buffer{}
	writeRun(buf, &snapshot.Run{
		ID:   "r1",
		Rows: map[pubsafe.Class]int64{pubsafe.Arrests: 7},
		Violations: []pubsafe.Violation{
			{Check: "row_count", Class: pubsafe.Arrests, Severity: pubsafe.Fatal, Message: "too few rows"},
		},
	})
	out := buf.String()
	for _, s := range []string{"arrests", "7", "row_count", "too few rows", "run r1 not published"} {
		if !strings.Contains(out, s) {
			t.Fatalf("output missing %q:\n%s", s, out)
		}
	}
}

func emptyStore(t *testing.T) snapshot.Options {
	opts := snapshot.NewOptions()
	opts.Dir = t.TempDir()
	return opts
}

func TestNothingPublished(t *testing.T) {
	ctx := context.Background()
	opts := emptyStore(t)

	qm := NewQueryMain()
	qm.Store, qm.Stdout = opts, &bytes.Buffer{}
	err := qm.Run(ctx, "overview")
	if !errors.Is(err, pubsafe.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot from view, got %v", err)
	}

	sm := &SchemaMain{Store: opts, Stdout: &bytes.Buffer{}}
	if err := sm.Run(); !errors.Is(err, pubsafe.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot from schema, got %v", err)
	}

	vm := &ValidateMain{Store: opts, Validate: validate.NewConfig(), Stdout: &bytes.Buffer{}}
	if err := vm.Run(ctx); !errors.Is(err, pubsafe.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot from validate, got %v", err)
	}
}

func TestQueryRequest(t *testing.T) {
	qm := NewQueryMain()
	qm.Store, qm.Stdout = emptyStore(t), &bytes.Buffer{}

	qm.Stdin = strings.NewReader(`{"class": "parking"}`)
	err := qm.Run(context.Background(), "")
	var bad *query.RequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected RequestError, got %v", err)
	}

	path := test.MustWriteFile(t, t.TempDir(), "req.json", `{"class": "incidents"}`)
	qm.Request = path
	err = qm.Run(context.Background(), "")
	if !errors.Is(err, pubsafe.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	p := qm.params()
	if p.Priority != nil {
		t.Fatalf("expected no priority filter, got %d", *p.Priority)
	}
	qm.Priority = 0
	p = qm.params()
	if p.Priority == nil || *p.Priority != 0 {
		t.Fatalf("expected priority 0 filter, got %v", p.Priority)
	}
}
