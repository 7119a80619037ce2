// Package core contains the banking trust and authorization contracts, the
// closed error taxonomy, configuration and the Service that orchestrates
// connect, token and disconnect flows. Pinning, vault, authorization and
// consent implementations live in sibling packages and depend on core; core
// must not depend on them.
package core
