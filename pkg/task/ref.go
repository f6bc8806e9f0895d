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

// Package task defines the task reference and the blob keys derived from it.
package task

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// NewRef returns a fresh reference "<uuid>/<base name>" for an uploaded file, so that
// concurrent uploads of the same file name never collide.
func NewRef(fileName string) (string, error) {
	base := BaseName(fileName)
	if base == "" {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	return uuid.NewString() + "/" + base, nil
}

// BaseName strips the directories of a client supplied file name, it returns "" when nothing is left.
func BaseName(fileName string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), `\`, "/"))
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// Name returns the original file name of a reference.
func Name(ref string) string {
	if i := strings.Index(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// InputKey is the key of the uploaded payload.
func InputKey(inputPrefix, ref string) string {
	return inputPrefix + ref
}

// ResultKey is the key of the result, the reference with its extension replaced by ".txt".
func ResultKey(outputPrefix, ref string) string {
	stem := ref
	if ext := path.Ext(ref); ext != "" && ext != path.Base(ref) {
		stem = strings.TrimSuffix(ref, ext)
	}
	return outputPrefix + stem + ".txt"
}

// ResultContent is the content of the result blob.
func ResultContent(name, label string) string {
	return name + "," + label
}

// NewDedupKey returns a key unique to one enqueue.
func NewDedupKey() string {
	return uuid.NewString()
}
