// Package resource turns layered container configuration into a concrete
// backend resource definition. ContainerContext values merge with a
// right-biased, field-by-field rule; Build resolves the merged context and an
// image into a Definition; Definition.Reusable is the key used to decide
// whether an already registered definition can be reused.
package resource
