/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	certStoreFn    = "smtprelayd.pem"
	certTmpStoreFn = "smtprelayd.pem.tmp"

	certValidity = 5 * 365 * 24 * time.Hour
)

// loadCertificate loads the inbound STARTTLS certificate from the state path.
// If the file does not exist, a self signed certificate for domain is
// generated and stored.
func (server *Server) loadCertificate(domain string) (tls.Certificate, error) {
	logger := server.logger

	pemFile := filepath.Join(server.config.StatePath, certStoreFn)
	certificate, err := tls.LoadX509KeyPair(pemFile, pemFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return certificate, fmt.Errorf("failed to load certificate from file: %w", err)
		}
		logger.Debugln("certificate not found, generating")
		certificate, err = generateCertificate(server.config.StatePath, domain)
		if err != nil {
			return certificate, fmt.Errorf("failed to generate new certificate: %w", err)
		}
		logger.WithField("path", pemFile).Infoln("created new self signed certificate")
	} else {
		logger.Debugln("loaded certificate from file")
	}

	return certificate, nil
}

// generateCertificate creates a self signed certificate for domain and saves
// it, along with the private key, in PEM format to statePath.
func generateCertificate(statePath, domain string) (tls.Certificate, error) {
	var certificate tls.Certificate

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return certificate, err
	}

	// Random 128 bit serial.
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return certificate, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName: domain,
		},
		DNSNames:              []string{domain},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return certificate, err
	}
	privKeyDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return certificate, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	privKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privKeyDER,
	})

	certificate, err = tls.X509KeyPair(certPEM, privKeyPEM)
	if err != nil {
		return certificate, err
	}

	certTmpFn := filepath.Join(statePath, certTmpStoreFn)
	f, err := os.OpenFile(certTmpFn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return certificate, err
	}
	_, err = f.Write(append(certPEM, privKeyPEM...))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(certTmpFn)
		return certificate, err
	}

	if err = os.Rename(certTmpFn, filepath.Join(statePath, certStoreFn)); err != nil {
		os.Remove(certTmpFn)
		return certificate, err
	}

	return certificate, nil
}
