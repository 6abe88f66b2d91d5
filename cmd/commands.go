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

package nanoproxycmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/smallstep/truststore"
	"github.com/spf13/cobra"

	nanoproxy "github.com/NanoAdblockerLab/NanoProxy"
	"github.com/NanoAdblockerLab/NanoProxy/violenttls"
)

// NanoProxyVersion is set at build time via -ldflags.
var NanoProxyVersion = "(devel)"

var runFlags nanoproxy.Config

func init() {
	runCmd.Flags().StringVar(&runFlags.ListenAddr, "listen", nanoproxy.DefaultListenAddr,
		"address of the main proxy listener")
	runCmd.Flags().StringVar(&runFlags.DynamicAddr, "tls-listen", violenttls.DefaultDynamicAddr,
		"address of the dynamic TLS interception server")
	runCmd.Flags().BoolVar(&runFlags.UseTLS, "use-tls", false,
		"serve the main listener over TLS with the proxy's own certificate")
	runCmd.Flags().StringSliceVar(&runFlags.ProxyDomains, "domain", nil,
		"DNS names of the proxy itself (SANs of its certificate)")
	runCmd.Flags().StringSliceVar(&runFlags.ProxyIPs, "ip", nil,
		"IP addresses of the proxy itself (SANs of its certificate)")
	runCmd.Flags().StringVar(&runFlags.CertRoot, "cert-root", violenttls.DefaultStorageRoot,
		"directory for CA and leaf certificate material")
	runCmd.Flags().IntVar(&runFlags.LogLevel, "log-level", 4,
		"log verbosity: 0 silent, 1 errors, 2 +warnings, 3 +notices, 4 +info")
	runCmd.Flags().StringVar(&runFlags.MetricsAddr, "metrics", "",
		"serve prometheus metrics on this address (empty disables)")

	rootCmd.AddCommand(runCmd, trustCmd, untrustCmd, versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy in the foreground",
	RunE: func(cmd *cobra.Command, _ []string) error {
		proxy, err := nanoproxy.New(runFlags)
		if err != nil {
			return err
		}

		ca := proxy.Authority().CACertificate()
		fmt.Fprintf(cmd.OutOrStdout(), "certificate authority %s (expires %s)\n",
			ca.Subject.CommonName, humanize.Time(ca.NotAfter))

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()
		return proxy.Run(ctx)
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Install the certificate authority into local trust stores",
	RunE: func(cmd *cobra.Command, _ []string) error {
		authority, err := loadAuthority()
		if err != nil {
			return err
		}
		err = truststore.InstallFile(authority.CACertPath(),
			truststore.WithDebug(), truststore.WithFirefox(), truststore.WithJava())
		if err != nil {
			return fmt.Errorf("installing CA into trust stores: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "certificate authority installed")
		return nil
	},
}

var untrustCmd = &cobra.Command{
	Use:   "untrust",
	Short: "Remove the certificate authority from local trust stores",
	RunE: func(cmd *cobra.Command, _ []string) error {
		authority, err := loadAuthority()
		if err != nil {
			return err
		}
		err = truststore.UninstallFile(authority.CACertPath(),
			truststore.WithDebug(), truststore.WithFirefox(), truststore.WithJava())
		if err != nil {
			return fmt.Errorf("removing CA from trust stores: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "certificate authority removed")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "NanoProxy %s %s/%s\n",
			NanoProxyVersion, runtime.GOOS, runtime.GOARCH)
	},
}

var certRootFlag string

func init() {
	for _, c := range []*cobra.Command{trustCmd, untrustCmd} {
		c.Flags().StringVar(&certRootFlag, "cert-root", violenttls.DefaultStorageRoot,
			"directory for CA and leaf certificate material")
	}
}

// loadAuthority initialises the authority standalone, generating the CA
// on first use so that trust can run before the first run.
func loadAuthority() (*violenttls.Authority, error) {
	proxy, err := nanoproxy.New(nanoproxy.Config{CertRoot: certRootFlag, LogLevel: 1})
	if err != nil {
		return nil, err
	}
	return proxy.Authority(), nil
}
