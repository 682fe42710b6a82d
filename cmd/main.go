// Copyright 2025 Antfly, Inc.
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

// Command caption generates image captions from exported encoder-decoder
// checkpoints and can serve them over HTTP.
//
// Usage:
//
//	caption run --checkpoint DIR --word-map FILE --image FILE   # Caption one image
//	caption serve --checkpoint DIR --word-map FILE              # Start the server
//	caption version                                             # Print build info
package main

import (
	"os"

	"github.com/antflydb/caption"
	"github.com/antflydb/caption/cmd/cmd"
)

// Set at build time via ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	caption.Version = version
	caption.GitCommit = gitCommit
	caption.BuildTime = buildTime

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
