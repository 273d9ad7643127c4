package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"kyri56xcaesar/accountd/internal/api"
)

const (
	userFlagName     = "user"
	groupsFlagName   = "groups"
	validityFlagName = "validity"

	lengthFlagName   = "length"
	certFlagName     = "cert"
	certDirFlagName  = "dir"
	commonNameFlag   = "cn"
	orgFlagName      = "org"
	certSizeFlagName = "cert-size"
)

func (a *app) tokenCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the accountd api",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			user, err := flags.GetString(userFlagName)
			if err != nil {
				return err
			}
			groups, err := flags.GetStringSlice(groupsFlagName)
			if err != nil {
				return err
			}
			validity := time.Duration(a.cfg.JWT_VALIDITY_HOURS * float64(time.Hour))
			if flags.Changed(validityFlagName) {
				if validity, err = flags.GetDuration(validityFlagName); err != nil {
					return err
				}
			}
			if validity <= 0 {
				return errors.New("validity must be positive")
			}

			token, err := api.IssueToken(a.cfg.JWT_SECRET_KEY, a.cfg.ISSUER, user, groups, validity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String(userFlagName, "root", "username claim")
	cmd.Flags().StringSlice(groupsFlagName, []string{api.AdminGroup}, "groups claim")
	cmd.Flags().Duration(validityFlagName, 0, "token lifetime (default JWT_VALIDITY_HOURS)")
	return cmd
}

// secretCMD prints a random hex secret, or writes a self signed key pair
// for API_USE_TLS.
func secretCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a secret key or a self signed tls certificate",
		Args:  cobra.NoArgs,
		// needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cert, err := flags.GetBool(certFlagName)
			if err != nil {
				return err
			}
			if !cert {
				length, err := flags.GetInt(lengthFlagName)
				if err != nil {
					return err
				}
				token, err := randomToken(max(min(length, 512), 4))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}

			dir, err := flags.GetString(certDirFlagName)
			if err != nil {
				return err
			}
			cn, err := flags.GetString(commonNameFlag)
			if err != nil {
				return err
			}
			org, err := flags.GetString(orgFlagName)
			if err != nil {
				return err
			}
			size, err := flags.GetInt(certSizeFlagName)
			if err != nil {
				return err
			}
			certPath, keyPath, err := writeKeyPair(dir, cn, org, max(min(size, 4096), 2048))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API_CERT_FILE=%s\nAPI_KEY_FILE=%s\n", certPath, keyPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntP(lengthFlagName, "l", 32, "secret length in bytes, 4 to 512")
	flags.Bool(certFlagName, false, "create an rsa key pair and certificate instead")
	flags.String(certDirFlagName, "data/cert", "directory of the generated files")
	flags.String(commonNameFlag, "localhost", "certificate common name")
	flags.String(orgFlagName, "accountd", "certificate organization")
	flags.Int(certSizeFlagName, 4096, "rsa key size, 2048 to 4096")
	return cmd
}

func randomToken(n int) (string, error) {
	tokenbytes := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, tokenbytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(tokenbytes), nil
}

func writeKeyPair(dir, cn, org string, size int) (certPath, keyPath string, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, size)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{org},
		},
		DNSNames:              []string{cn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}
