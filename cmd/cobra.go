// Copyright 2017 The NanoProxy Authors
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

// Package nanoproxycmd is the command-line front-end of the proxy.
package nanoproxycmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use: "nanoproxy",
	Long: `NanoProxy is an HTTP/HTTPS intercepting proxy for developer
tooling and local content filtering.

It terminates client-side TLS with a locally-trusted certificate
authority, lets patchers inspect and rewrite traffic, and forwards it
to the real origin. Leaf certificates are signed on demand, one per
wildcard group, and persist across restarts.

To use it against HTTPS traffic, the certificate authority it creates
on first run must be trusted by the user agent:

	$ nanoproxy trust

Then point the browser's proxy settings at the main listener:

	$ nanoproxy run
`,
	SilenceUsage: true,
}

// Main executes the root command. It is the entry point called by the
// main package.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
