package kubernetes

import (
	"maps"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelComponent = "app.kubernetes.io/component"
	managedBy      = "stevedore"

	// labelStepKey is set by the delegator on step-level units.
	labelStepKey = "stevedore/step-key"
)

var labelValueUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeLabels returns labels whose values are valid Kubernetes label
// values. Keys that are not valid label keys are dropped.
func sanitizeLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if len(validation.IsQualifiedName(k)) > 0 {
			continue
		}
		out[k] = labelValue(v)
	}
	return out
}

// labelValue maps v onto the label value charset: invalid runs become "-",
// the result is cut to 63 characters and trimmed to start and end with an
// alphanumeric.
func labelValue(v string) string {
	if len(validation.IsValidLabelValue(v)) == 0 {
		return v
	}
	v = labelValueUnsafe.ReplaceAllString(v, "-")
	if len(v) > validation.LabelValueMaxLength {
		v = v[:validation.LabelValueMaxLength]
	}
	return strings.TrimFunc(v, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
}

func jobLabels(base map[string]string, component string) map[string]string {
	labels := sanitizeLabels(base)
	maps.Copy(labels, map[string]string{
		labelManagedBy: managedBy,
		labelComponent: component,
	})
	return labels
}
