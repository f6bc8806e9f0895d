/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package numapool

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	v := Version{
		Version:      "0.3.0",
		BuildDate:    "2024-06-01T08:00:00Z",
		GitCommit:    "0badc0ffee1234",
		GitTag:       "v0.3.0",
		GitTreeState: "clean",
		GoVersion:    "go1.22.4",
		Compiler:     "gc",
		Platform:     "linux/arm64",
	}
	assert.Equal(t, "Version: 0.3.0, BuildDate: 2024-06-01T08:00:00Z, GitCommit: 0badc0ffee1234, GitTag: v0.3.0, GitTreeState: clean, GoVersion: go1.22.4, Compiler: gc, Platform: linux/arm64", v.String())
}

func TestGetVersion(t *testing.T) {
	origVersion, origCommit, origTag, origState := version, gitCommit, gitTag, gitTreeState
	t.Cleanup(func() {
		version, gitCommit, gitTag, gitTreeState = origVersion, origCommit, origTag, origState
	})

	tests := []struct {
		name      string
		commit    string
		tag       string
		treeState string
		want      string
	}{
		{name: "clean tree with tag", commit: "fedcba9876543210", tag: "v0.3.1", treeState: "clean", want: "v0.3.1"},
		{name: "dirty tree", commit: "fedcba9876543210", tag: "v0.3.1", treeState: "dirty", want: "dev+fedcba9.dirty"},
		{name: "clean tree without tag", commit: "fedcba9876543210", treeState: "clean", want: "dev+fedcba9"},
		{name: "unknown commit", treeState: "clean", want: "dev+unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, gitCommit, gitTag, gitTreeState = "dev", tt.commit, tt.tag, tt.treeState
			assert.Equal(t, tt.want, GetVersion().Version)
		})
	}
}

func TestGetVersionRuntime(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, runtime.Version(), v.GoVersion)
	assert.Equal(t, runtime.Compiler, v.Compiler)
	assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), v.Platform)
}
