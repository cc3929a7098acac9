package kubernetes

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8sresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

// Job components, distinguishing whole-run jobs from step jobs.
const (
	componentRun  = "run_worker"
	componentStep = "step_worker"
)

// buildJob renders a create request as a Job that runs one pod to completion
// and is never retried by the job controller.
func buildJob(req backend.CreateRequest, namespace string, ttl int32) (*batchv1.Job, error) {
	def := req.Definition

	component := componentRun
	if _, ok := req.Labels[labelStepKey]; ok {
		component = componentStep
	}
	labels := jobLabels(req.Labels, component)

	resources, err := requirements(cmp.Or(req.CPU, def.CPU), cmp.Or(req.Memory, def.Memory))
	if err != nil {
		return nil, err
	}

	container := corev1.Container{
		Name:            def.ContainerName,
		Image:           def.Image,
		Args:            req.Command,
		ImagePullPolicy: corev1.PullPolicy(def.ImagePullPolicy),
		Env:             envVars(def),
		EnvFrom:         envFrom(def),
		VolumeMounts:    volumeMounts(def.VolumeMounts),
		Resources:       resources,
	}

	pod := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: def.ServiceAccountName,
		Containers:         []corev1.Container{container},
		Volumes:            volumes(def.Volumes),
	}
	for _, s := range def.ImagePullSecrets {
		pod.ImagePullSecrets = append(pod.ImagePullSecrets, corev1.LocalObjectReference{Name: s})
	}

	// A failed pod fails the job; retries are the orchestrator's decision.
	var backoffLimit int32
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: req.Name, Labels: labels},
				Spec:       pod,
			},
		},
	}
	if ttl > 0 {
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	return job, nil
}

// requirements parses cpu and memory as Kubernetes quantities and requests
// them for the container.
func requirements(cpu, memory string) (corev1.ResourceRequirements, error) {
	var rr corev1.ResourceRequirements
	for name, value := range map[corev1.ResourceName]string{corev1.ResourceCPU: cpu, corev1.ResourceMemory: memory} {
		if value == "" {
			continue
		}
		q, err := k8sresource.ParseQuantity(value)
		if err != nil {
			return rr, &model.ConfigurationError{Field: string(name), Message: fmt.Sprintf("%q is not a Kubernetes quantity", value)}
		}
		if rr.Requests == nil {
			rr.Requests = corev1.ResourceList{}
		}
		rr.Requests[name] = q
	}
	return rr, nil
}

// envVars renders plain variables and secret bindings. A binding's
// ValueFrom is "<secret>/<key>"; without a key the variable name is used.
func envVars(def resource.Definition) []corev1.EnvVar {
	var env []corev1.EnvVar
	for _, k := range slices.Sorted(maps.Keys(def.Env)) {
		env = append(env, corev1.EnvVar{Name: k, Value: def.Env[k]})
	}
	for _, s := range def.Secrets {
		secret, key, ok := strings.Cut(s.ValueFrom, "/")
		if !ok {
			key = s.Name
		}
		env = append(env, corev1.EnvVar{
			Name: s.Name,
			ValueFrom: &corev1.EnvVarSource{SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			}},
		})
	}
	return env
}

func envFrom(def resource.Definition) []corev1.EnvFromSource {
	var out []corev1.EnvFromSource
	for _, cm := range def.EnvConfigMaps {
		out = append(out, corev1.EnvFromSource{ConfigMapRef: &corev1.ConfigMapEnvSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: cm},
		}})
	}
	for _, s := range def.EnvSecrets {
		out = append(out, corev1.EnvFromSource{SecretRef: &corev1.SecretEnvSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: s},
		}})
	}
	return out
}

func volumeMounts(in []resource.VolumeMount) []corev1.VolumeMount {
	var out []corev1.VolumeMount
	for _, m := range in {
		out = append(out, corev1.VolumeMount{
			Name:      m.Name,
			MountPath: m.MountPath,
			SubPath:   m.SubPath,
			ReadOnly:  m.ReadOnly,
		})
	}
	return out
}

func volumes(in []resource.Volume) []corev1.Volume {
	var out []corev1.Volume
	for _, v := range in {
		vol := corev1.Volume{Name: v.Name}
		switch {
		case v.ConfigMap != "":
			vol.ConfigMap = &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: v.ConfigMap}}
		case v.Secret != "":
			vol.Secret = &corev1.SecretVolumeSource{SecretName: v.Secret}
		default:
			vol.EmptyDir = &corev1.EmptyDirVolumeSource{}
		}
		out = append(out, vol)
	}
	return out
}
