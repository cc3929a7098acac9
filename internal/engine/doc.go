// Package engine provides the Delegator, which maps work units onto compute
// backend resources. It builds and reconciles resource definitions, launches
// resources, checks their health and terminates them. All state needed after
// a launch is recovered from correlation records on every call, so any
// process instance can act on a resource another instance launched.
package engine
