package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sherpa-labs/sherpa/pkg/client"
	"github.com/sherpa-labs/sherpa/pkg/trust"
)

// newCertCmd fetches a server's TLS certificate over the plain-HTTP cert
// endpoint so it can be inspected or pinned before the first wss handshake.
func newCertCmd() *cobra.Command {
	var port int
	var pin bool
	cmd := &cobra.Command{
		Use:   "cert <host[:port]>",
		Short: "Fetch and optionally pin a server's TLS certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			if h, p, err := net.SplitHostPort(host); err == nil {
				host = h
				port, err = strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("bad port %q: %w", p, err)
				}
			}

			data, err := client.FetchServerCert(host, port)
			if err != nil {
				return err
			}
			block, _ := pem.Decode(data)
			if block == nil {
				return fmt.Errorf("server %s returned no PEM certificate", host)
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("parse server certificate: %w", err)
			}

			fmt.Printf("subject:  %s\n", cert.Subject)
			fmt.Printf("validity: %s to %s\n",
				cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02"))
			fmt.Printf("sha256:   %s\n", trust.Fingerprint(cert.Raw))

			if !pin {
				return nil
			}
			dir, err := client.DefaultTrustDir()
			if err != nil {
				return err
			}
			store, err := trust.NewStore(dir, nil)
			if err != nil {
				return err
			}
			if err := store.Pin(host, strconv.Itoa(port), cert); err != nil {
				return err
			}
			fmt.Printf("pinned %s:%d\n", host, port)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 3030, "server RPC port (the certificate endpoint listens on port+1)")
	cmd.Flags().BoolVar(&pin, "pin", false, "pin the certificate for future wss connections")
	return cmd
}
