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

package prometheus

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func TestNumberString(t *testing.T) {
	for _, tc := range []struct {
		n    Number
		want string
	}{
		{Number{}, "0"},
		{Number{Int: -12}, "-12"},
		{Number{Float: 2}, "2"},
		{Number{Float: 0.25}, "0.25"},
		{Number{Float: math.Inf(1)}, "+Inf"},
		{Number{Float: math.NaN()}, "NaN"},
	} {
		if got := tc.n.String(); got != tc.want {
			t.Errorf("%+v.String(): got %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestWriteParses(t *testing.T) {
	frames := &Metric{Name: "free_frames", Type: TypeGauge, Help: "Free frames.\nRegular only."}
	syscalls := &Metric{Name: "syscalls_total", Type: TypeCounter}
	s := &Snapshot{When: time.Unix(1, 0)}
	s.Add(
		LabeledIntData(syscalls, map[string]string{"code": "log"}, 5),
		NewIntData(frames, 1234),
		LabeledIntData(syscalls, map[string]string{"code": "exit"}, 1),
	)

	var b strings.Builder
	n, err := Write(&b, ExportOptions{CommentHeader: "kcore", ExporterPrefix: "kcore_", ExtraLabels: map[string]string{"machine": "test"}}, s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != b.Len() {
		t.Errorf("Write returned %d bytes, wrote %d", n, b.Len())
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("parsing export failed: %v\n%s", err, b.String())
	}
	got := make(map[string]float64)
	for name, f := range families {
		for _, m := range f.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				if l.GetName() == "code" {
					key += "/" + l.GetValue()
				}
			}
			switch f.GetType() {
			case dto.MetricType_GAUGE:
				got[key] = m.GetGauge().GetValue()
			case dto.MetricType_COUNTER:
				got[key] = m.GetCounter().GetValue()
			}
		}
	}
	want := map[string]float64{
		"kcore_free_frames":         1234,
		"kcore_syscalls_total/log":  5,
		"kcore_syscalls_total/exit": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed metrics mismatch (-want +got):\n%s", diff)
	}
	if help := families["kcore_free_frames"].GetHelp(); help != "Free frames.\nRegular only." {
		t.Errorf("help: got %q", help)
	}
}

func TestDuplicateLabels(t *testing.T) {
	m := &Metric{Name: "m", Type: TypeGauge}
	s := NewSnapshot().Add(LabeledIntData(m, map[string]string{"a": "1"}, 1))
	var b strings.Builder
	if _, err := Write(&b, ExportOptions{ExtraLabels: map[string]string{"a": "2"}}, s); err == nil {
		t.Errorf("Write with duplicate labels succeeded")
	}
}
