package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/goliatone/go-openbanking/pinning"
	"github.com/goliatone/go-openbanking/sandbox"
)

func main() {
	addr := flag.String("addr", ":8443", "listen address")
	certFile := flag.String("cert", "", "TLS certificate (PEM); plain HTTP when empty")
	keyFile := flag.String("key", "", "TLS private key (PEM)")
	clientID := flag.String("client-id", "sandbox-client", "accepted client_id")
	clientSecret := flag.String("client-secret", "", "accepted client_secret")
	financialID := flag.String("financial-id", "", "required x-fapi-financial-id")
	flag.Parse()

	bank := sandbox.New(sandbox.Config{
		ClientID:     *clientID,
		ClientSecret: *clientSecret,
		FinancialID:  *financialID,
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           bank.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if *certFile == "" {
		log.Printf("sandbox bank listening on %s (plain http)", *addr)
		log.Fatal(srv.ListenAndServe())
	}

	pair, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		log.Fatalf("failed to load certificate: %v", err)
	}
	log.Printf("sandbox bank listening on %s", *addr)
	log.Printf("leaf pin: %s", pinning.Fingerprint(pair.Certificate[0]))
	srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{pair}}
	log.Fatal(srv.ListenAndServeTLS("", ""))
}
