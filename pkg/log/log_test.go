// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

// testWriter collects writes. Writer may split a message over several
// writes, so lines are only cut when read back.
type testWriter struct {
	buf  bytes.Buffer
	fail bool
}

func (w *testWriter) Write(b []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	return w.buf.Write(b)
}

// lines returns everything written, one entry per line including its '\n'.
func (w *testWriter) lines() []string {
	lines := strings.SplitAfter(w.buf.String(), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte("error\n")); err == nil {
			t.Fatalf("Write should have failed")
		}
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n",
		"*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.May, 7, 13, 4, 5, 123456789, time.UTC)
	e.Emit(0, Warning, ts, "frame %d", 7)

	lines := tw.lines()
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(lines), lines)
	}
	re := regexp.MustCompile(`^W0507 13:04:05\.123456 +\d+ log_test\.go:\d+\] frame 7\n$`)
	if !re.MatchString(lines[0]) {
		t.Errorf("line %q does not match %v", lines[0], re)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if diff := cmp.Diff([]string{"shown\n", "now shown\n"}, tw.lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := &MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Info, time.Now(), "tick %d", 1)
	if diff := cmp.Diff([]string{"tick 1\n"}, a.lines()); diff != "" {
		t.Errorf("first emitter mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(a.lines(), b.lines()); diff != "" {
		t.Errorf("emitters diverged (-first +second):\n%s", diff)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("Global object in contention: %s", "frame allocator")
	}
	if got := tw.lines(); len(got) != 1 {
		t.Errorf("got %d lines, want 1: %v", len(got), got)
	}
	if got := l.Dropped(); got != 9 {
		t.Errorf("Dropped: got %d, want 9", got)
	}

	// Hidden messages neither spend the period nor count as dropped.
	l.Debugf("Switching from %v to %v", "a", "b")
	if got := l.Dropped(); got != 9 {
		t.Errorf("Dropped after a hidden message: got %d, want 9", got)
	}

	l.limit.SetLimit(rate.Inf)
	l.Warningf("Global object in contention: %s", "frame allocator")
	want := []string{
		"Global object in contention: frame allocator\n",
		"Global object in contention: frame allocator (9 similar messages dropped)\n",
	}
	if diff := cmp.Diff(want, tw.lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if got := l.Dropped(); got != 0 {
		t.Errorf("Dropped after a message got through: got %d, want 0", got)
	}
}

func TestBasicRateLimitedFollowsTarget(t *testing.T) {
	l := BasicRateLimitedLogger(time.Hour)

	old := Log()
	defer log.Store(old)
	tw := &testWriter{}
	SetTarget(&Writer{Next: tw})

	l.Warningf("Switching from %v to %v", "a", "b")
	want := []string{"Switching from a to b\n"}
	if diff := cmp.Diff(want, tw.lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	opts := Pattern{Command: "boot", Start: time.Unix(0, 42)}
	f, err := OpenFile(filepath.Join(dir, "sub", "kcore.%COMMAND%.%TIMESTAMP%.log"), os.O_CREATE|os.O_WRONLY, opts)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if !strings.HasSuffix(f.Name(), "kcore.boot.42.log") {
		t.Errorf("file name: got %q", f.Name())
	}
	if f, err := OpenFile("", 0, opts); f != nil || err != nil {
		t.Errorf("OpenFile with empty pattern: got %v, %v", f, err)
	}
}
