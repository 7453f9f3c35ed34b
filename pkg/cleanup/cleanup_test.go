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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func build(order *[]string, release bool) func() {
	cu := Make(func() { *order = append(*order, "memory") })
	cu.Add(func() { *order = append(*order, "lock") })
	defer cu.Clean()
	if release {
		return cu.Release()
	}
	return nil
}

func TestCleanReverseOrder(t *testing.T) {
	var order []string
	build(&order, false)
	if diff := cmp.Diff([]string{"lock", "memory"}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	cleaner := build(&order, true)
	if len(order) != 0 {
		t.Fatalf("cleanup functions ran after Release: %v", order)
	}
	cleaner()
	if diff := cmp.Diff([]string{"lock", "memory"}, order); diff != "" {
		t.Errorf("released cleaner order mismatch (-want +got):\n%s", diff)
	}
}
