package log_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/silkchain/silksync/libs/log"
)

func TestVariousLevels(t *testing.T) {
	testCases := []struct {
		name    string
		allowed log.Option
		want    []string
	}{
		{
			"AllowAll",
			log.AllowAll(),
			[]string{"here", "and here", "and here too"},
		},
		{
			"AllowDebug",
			log.AllowDebug(),
			[]string{"here", "and here", "and here too"},
		},
		{
			"AllowInfo",
			log.AllowInfo(),
			[]string{"and here", "and here too"},
		},
		{
			"AllowError",
			log.AllowError(),
			[]string{"and here too"},
		},
		{
			"AllowNone",
			log.AllowNone(),
			[]string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := log.NewFilter(log.NewLogger(&buf), tc.allowed)

			logger.Debug("here", "this is", "debug log")
			logger.Info("and here", "this is", "info log")
			logger.Error("and here too", "this is", "error log")

			for _, want := range tc.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("log output %q missing %q", buf.String(), want)
				}
			}

			lines := strings.Count(strings.TrimSpace(buf.String()), "\n")
			if got, want := strings.TrimSpace(buf.String()), len(tc.want); got != "" && lines+1 != want {
				t.Errorf("got %d lines, want %d", lines+1, want)
			} else if got == "" && want != 0 {
				t.Errorf("got no output, want %d lines", want)
			}
		})
	}
}

func TestLevelParse(t *testing.T) {
	if _, err := log.AllowLevel("debug"); err != nil {
		t.Fatal(err)
	}
	if _, err := log.AllowLevel("whatever"); err == nil {
		t.Fatal("expected error on unknown level")
	}
}

func TestWithKeepsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewFilter(log.NewLogger(&buf), log.AllowError())
	logger = logger.With("module", "blocksync")

	logger.Info("not visible")
	logger.Error("visible")

	out := buf.String()
	if strings.Contains(out, "not visible") {
		t.Errorf("info log leaked through error filter: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "blocksync") {
		t.Errorf("error log missing or lost context: %q", out)
	}
}
