/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kubernetes runs the workers as pods, labelled with the role tag of the fleet.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/numaproj/numapool/pkg/fleet"
	"github.com/numaproj/numapool/pkg/shared/logging"
	"github.com/numaproj/numapool/pkg/shared/util"
)

const (
	KeyRole       = "numapool.numaproj.io/role"
	KeyPartOf     = "app.kubernetes.io/part-of"
	KeyComponent  = "app.kubernetes.io/component"
	KeyLaunchedAt = "numapool.numaproj.io/launched-at"
	KeyRegion     = "topology.kubernetes.io/region"

	containerName = "worker"
	configVolume  = "numapool-config"
	configDir     = "/etc/numapool"
)

// PodTemplate describes the worker pods.
type PodTemplate struct {
	Image              string
	ImagePullPolicy    string
	ServiceAccountName string
	// Region pins the pods to the nodes of the region when set
	Region string
	// Env holds NAME=VALUE pairs
	Env []string
	// ConfigMapName is mounted as the configuration directory when set
	ConfigMapName string
}

type kubernetesFleet struct {
	kubeClient kubernetes.Interface
	namespace  string
	roleTag    string
	template   PodTemplate
	log        *zap.SugaredLogger
}

var _ fleet.Manager = (*kubernetesFleet)(nil)

// NewKubernetesFleet returns a fleet managing the pods of the role in the namespace.
func NewKubernetesFleet(ctx context.Context, kubeClient kubernetes.Interface, namespace, roleTag string, template PodTemplate) fleet.Manager {
	return &kubernetesFleet{
		kubeClient: kubeClient,
		namespace:  namespace,
		roleTag:    roleTag,
		template:   template,
		log:        logging.FromContext(ctx).With("namespace", namespace).With("role", roleTag),
	}
}

func (f *kubernetesFleet) selector() string {
	return labels.SelectorFromSet(map[string]string{KeyRole: f.roleTag}).String()
}

func (f *kubernetesFleet) ListAlive(ctx context.Context) ([]fleet.Instance, error) {
	pods, err := f.kubeClient.CoreV1().Pods(f.namespace).List(ctx, metav1.ListOptions{LabelSelector: f.selector()})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker pods, %w", err)
	}
	var result []fleet.Instance
	for _, pod := range pods.Items {
		i := toInstance(&pod)
		if i.State.Alive() {
			result = append(result, i)
		}
	}
	fleet.SortOldestFirst(result)
	return result, nil
}

func toInstance(pod *corev1.Pod) fleet.Instance {
	i := fleet.Instance{ID: pod.Name, LaunchedAt: pod.CreationTimestamp.Time}
	// the annotation keeps sub-second precision, the creation timestamp is truncated to seconds
	if t, err := time.Parse(time.RFC3339Nano, pod.Annotations[KeyLaunchedAt]); err == nil {
		i.LaunchedAt = t
	}
	switch {
	case !pod.DeletionTimestamp.IsZero():
		i.State = fleet.StateTerminating
	case pod.Status.Phase == corev1.PodRunning:
		i.State = fleet.StateRunning
	case pod.Status.Phase == corev1.PodPending || pod.Status.Phase == "":
		i.State = fleet.StatePending
	default:
		i.State = fleet.StateTerminated
	}
	return i
}

func (f *kubernetesFleet) Launch(ctx context.Context) (string, error) {
	pod := f.buildPod(time.Now())
	created, err := f.kubeClient.CoreV1().Pods(f.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create worker pod, %w", err)
	}
	f.log.Infow("Launched worker pod", zap.String("pod", created.Name))
	return created.Name, nil
}

func (f *kubernetesFleet) buildPod(now time.Time) *corev1.Pod {
	podLabels := map[string]string{
		KeyRole:      f.roleTag,
		KeyPartOf:    "numapool",
		KeyComponent: "worker",
	}
	env := []corev1.EnvVar{
		{Name: "POD_NAME", ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}}},
		{Name: "POD_NAMESPACE", ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"}}},
	}
	for _, kv := range f.template.Env {
		name, value, _ := strings.Cut(kv, "=")
		if name = strings.TrimSpace(name); name != "" {
			env = append(env, corev1.EnvVar{Name: name, Value: value})
		}
	}
	container := corev1.Container{
		Name:            containerName,
		Image:           f.template.Image,
		ImagePullPolicy: corev1.PullPolicy(f.template.ImagePullPolicy),
		Args:            []string{"worker"},
		Env:             env,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: ptr.To(false),
			RunAsNonRoot:             ptr.To(true),
		},
	}
	spec := corev1.PodSpec{
		Containers:                    []corev1.Container{container},
		RestartPolicy:                 corev1.RestartPolicyAlways,
		ServiceAccountName:            f.template.ServiceAccountName,
		TerminationGracePeriodSeconds: ptr.To[int64](30),
	}
	if f.template.Region != "" {
		spec.NodeSelector = map[string]string{KeyRegion: f.template.Region}
	}
	if f.template.ConfigMapName != "" {
		spec.Volumes = []corev1.Volume{{
			Name: configVolume,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: f.template.ConfigMapName},
				},
			},
		}}
		spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{Name: configVolume, MountPath: configDir, ReadOnly: true}}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        f.roleTag + "-" + util.RandomLowerCaseString(5),
			Namespace:   f.namespace,
			Labels:      podLabels,
			Annotations: map[string]string{KeyLaunchedAt: now.UTC().Format(time.RFC3339Nano)},
		},
		Spec: spec,
	}
}

func (f *kubernetesFleet) Terminate(ctx context.Context, id string) error {
	err := f.kubeClient.CoreV1().Pods(f.namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			f.log.Infow("Worker pod already gone", zap.String("pod", id))
			return nil
		}
		return fmt.Errorf("failed to delete worker pod %s, %w", id, err)
	}
	f.log.Infow("Terminated worker pod", zap.String("pod", id))
	return nil
}
