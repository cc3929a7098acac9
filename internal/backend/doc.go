// Package backend defines the interface every compute backend adapter (ECS,
// Kubernetes) implements, the bulk create result those adapters report, and
// a registry for selecting an adapter by name.
package backend
