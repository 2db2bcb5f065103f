// Package discovery publishes the site descriptor that tells agents how to
// authenticate and which endpoints need which scope or a delegated user token.
//
// The descriptor is built from configuration once at startup. The gateway
// registers a route per declared endpoint and puts the access gate in front of
// it using Endpoint.Gate, so the published document and the enforced policy
// cannot drift apart.
package discovery
