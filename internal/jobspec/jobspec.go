// Package jobspec renders a pipeline invocation as a Kubernetes batch Job
// plus the ConfigMap carrying its configuration.
package jobspec

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
)

// Mount points inside the pipeline container.
const (
	ConfigMountPath    = "/etc/itp"
	ConfigFileName     = "config.yaml"
	RawMountPath       = "/data/raw"
	ProcessedMountPath = "/data/processed"

	containerName = "pipeline"
	labelName     = "app.kubernetes.io/name"
	labelVersion  = "app.kubernetes.io/version"
	labelStage    = "itp.invisible.tech/stage"
	labelRelease  = "itp.invisible.tech/release"
	appName       = "insider-threat-pipeline"

	ttlAfterFinished int32 = 7 * 24 * 3600
)

var commands = map[string]bool{
	"run": true, "ingest": true, "features": true, "label": true, "train": true, "evaluate": true,
}

// BuildConfigMap wraps cfg, with paths rewritten to the container mounts,
// as config.yaml in a ConfigMap.
func BuildConfigMap(cfg config.Config) (*corev1.ConfigMap, error) {
	in := cfg
	in.Dataset.RawRoot = RawMountPath
	in.Dataset.ProcessedRoot = ProcessedMountPath
	if in.Dataset.LabelsFile != "" && !strings.HasPrefix(in.Dataset.LabelsFile, "/") {
		in.Dataset.LabelsFile = RawMountPath + "/" + in.Dataset.LabelsFile
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("jobspec: encode config: %w", err)
	}
	return &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.Job.ConfigMap,
			Namespace: cfg.Job.Namespace,
			Labels:    map[string]string{labelName: appName, labelRelease: cfg.Dataset.Release},
		},
		Data: map[string]string{ConfigFileName: string(data)},
	}, nil
}

// BuildJob returns a Job running one pipeline command for the configured
// release. The Job name is generated by the API server from the prefix
// itp-<command>-<release>-.
func BuildJob(cfg config.Config, command string) (*batchv1.Job, error) {
	if !commands[command] {
		return nil, fmt.Errorf("jobspec: unknown command %q", command)
	}
	jc := cfg.Job
	if jc.Image == "" {
		return nil, fmt.Errorf("jobspec: job.image is required")
	}
	resources, err := buildResources(jc)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		labelName:    appName,
		labelVersion: version.Version,
		labelStage:   command,
		labelRelease: cfg.Dataset.Release,
	}
	container := corev1.Container{
		Name:  containerName,
		Image: jc.Image,
		Args: []string{
			command,
			"--config", ConfigMountPath + "/" + ConfigFileName,
			"--release", cfg.Dataset.Release,
		},
		Env: []corev1.EnvVar{
			{Name: "ITP_DATASET_RAW_ROOT", Value: RawMountPath},
			{Name: "ITP_DATASET_PROCESSED_ROOT", Value: ProcessedMountPath},
			{Name: "ITP_LOG_FORMAT", Value: "json"},
			{Name: "POD_NAME", ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}}},
		},
		Resources: resources,
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             boolPtr(true),
			ReadOnlyRootFilesystem:   boolPtr(true),
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "config", MountPath: ConfigMountPath, ReadOnly: true},
			{Name: "raw", MountPath: RawMountPath, ReadOnly: true},
			{Name: "processed", MountPath: ProcessedMountPath},
			{Name: "tmp", MountPath: "/tmp"},
		},
	}

	volumes := []corev1.Volume{
		{Name: "config", VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: jc.ConfigMap}},
		}},
		{Name: "raw", VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: jc.RawClaim, ReadOnly: true},
		}},
		{Name: "processed", VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: jc.ProcessedClaim},
		}},
		{Name: "tmp", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}

	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("itp-%s-%s-", command, dnsLabel(cfg.Dataset.Release)),
			Namespace:    jc.Namespace,
			Labels:       labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            int32Ptr(jc.BackoffLimit),
			TTLSecondsAfterFinished: int32Ptr(ttlAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: jc.ServiceAccount,
					RestartPolicy:      corev1.RestartPolicyNever,
					Containers:         []corev1.Container{container},
					Volumes:            volumes,
				},
			},
		},
	}
	return job, nil
}

func buildResources(jc config.JobConfig) (corev1.ResourceRequirements, error) {
	var out corev1.ResourceRequirements
	for _, q := range []struct {
		list  *corev1.ResourceList
		name  corev1.ResourceName
		value string
		key   string
	}{
		{&out.Requests, corev1.ResourceCPU, jc.CPURequest, "job.cpu_request"},
		{&out.Requests, corev1.ResourceMemory, jc.MemoryRequest, "job.memory_request"},
		{&out.Limits, corev1.ResourceCPU, jc.CPULimit, "job.cpu_limit"},
		{&out.Limits, corev1.ResourceMemory, jc.MemoryLimit, "job.memory_limit"},
	} {
		if q.value == "" {
			continue
		}
		parsed, err := resource.ParseQuantity(q.value)
		if err != nil {
			return out, fmt.Errorf("jobspec: %s %q: %w", q.key, q.value, err)
		}
		if *q.list == nil {
			*q.list = corev1.ResourceList{}
		}
		(*q.list)[q.name] = parsed
	}
	return out, nil
}

// dnsLabel lowercases s and replaces everything outside [a-z0-9-] with '-'.
func dnsLabel(s string) string {
	b := []byte(strings.ToLower(s))
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			b[i] = '-'
		}
	}
	return strings.Trim(string(b), "-")
}

// Render serializes objects as a multi-document YAML stream, as accepted
// by kubectl apply -f.
func Render(objects ...any) ([]byte, error) {
	var buf bytes.Buffer
	for i, obj := range objects {
		data, err := sigsyaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("jobspec: render: %w", err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func boolPtr(b bool) *bool {
	return &b
}

func int32Ptr(i int32) *int32 {
	return &i
}
