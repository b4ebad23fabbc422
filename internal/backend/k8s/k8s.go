// Package k8s implements the backend.Backend contract on top of a
// sigs.k8s.io/agent-sandbox Sandbox custom resource, for deployments that
// want the manager itself to run without direct access to a Docker socket.
// This backend is wired in but not exercised unless SANDBOX_BACKEND=k8s.
package k8s

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/execbox/execbox/internal/backend"
)

const (
	labelManagedBy       = "managed-by"
	labelValue           = "execbox"
	sandboxNameHashLabel = "agents.x-k8s.io/sandbox-name-hash"
	agentContainerName   = "agent"
	pollInterval         = 2 * time.Second
)

// Manager implements backend.Backend against one Kubernetes namespace.
type Manager struct {
	namespace string
	k8s       client.Client
	clientset kubernetes.Interface
}

// New builds a Manager scoped to namespace and, as a startup side effect,
// applies the deny-all-egress-except-DNS-and-proxy NetworkPolicy against
// proxyNamespace (the namespace the Egress Proxy's Service lives in). Pass
// an empty proxyNamespace to skip installing the policy — e.g. when the
// proxy runs outside the cluster and there is nothing in-cluster to scope
// the exception to.
func New(ctx context.Context, namespace, proxyNamespace string) (*Manager, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(scheme))

	k8sClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("controller-runtime client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	m := &Manager{namespace: namespace, k8s: k8sClient, clientset: clientset}

	if proxyNamespace != "" {
		if err := m.ApplyEgressPolicy(ctx, proxyNamespace); err != nil {
			return nil, fmt.Errorf("apply egress network policy: %w", err)
		}
	}

	return m, nil
}

func buildRESTConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

var _ backend.Backend = (*Manager)(nil)

func sandboxName(sessionID string) string {
	return "execbox-" + shortID(sessionID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Manager) Start(ctx context.Context, opts backend.StartOptions) (backend.Handle, error) {
	name := sandboxName(opts.SessionID)

	env := make([]corev1.EnvVar, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	hostPathType := corev1.HostPathDirectoryOrCreate
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	if opts.WorkspacePath != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: opts.WorkspacePath, Type: &hostPathType},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "workspace", MountPath: "/workspace"})
	}
	if opts.OutputsPath != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "outputs",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: opts.OutputsPath, Type: &hostPathType},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "outputs", MountPath: "/mnt/user-data/outputs"})
	}

	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
			Labels:    map[string]string{labelManagedBy: labelValue, "execbox.session": opts.SessionID},
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{
					Labels: map[string]string{labelManagedBy: labelValue},
				},
				Spec: corev1.PodSpec{
					RuntimeClassName: runtimeClassName(opts.Runtime),
					RestartPolicy:    corev1.RestartPolicyNever,
					Volumes:          volumes,
					Containers: []corev1.Container{{
						Name:         agentContainerName,
						Image:        opts.Image,
						Env:          env,
						VolumeMounts: mounts,
						Ports:        []corev1.ContainerPort{{ContainerPort: 2024, Protocol: corev1.ProtocolTCP}},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(2024)},
							},
							InitialDelaySeconds: 1,
							PeriodSeconds:       2,
							FailureThreshold:    15,
						},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: memoryQuantity(opts.MemoryBytes),
								corev1.ResourceCPU:    cpuQuantity(opts.NanoCPUs),
							},
						},
					}},
				},
			},
		},
	}

	if err := m.k8s.Create(ctx, sb); err != nil {
		return backend.Handle{}, fmt.Errorf("create sandbox CR: %w", err)
	}

	podIP, err := m.waitForReady(ctx, name)
	if err != nil {
		_ = m.k8s.Delete(ctx, sb)
		return backend.Handle{}, fmt.Errorf("sandbox not ready: %w", err)
	}

	return backend.Handle{ID: name, AgentAddr: podIP + ":2024"}, nil
}

func (m *Manager) waitForReady(ctx context.Context, name string) (podIP string, err error) {
	hash := nameHash(name)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		var sb sandboxv1alpha1.Sandbox
		if err := m.k8s.Get(ctx, client.ObjectKey{Namespace: m.namespace, Name: name}, &sb); err == nil && isReady(&sb) {
			pods, err := m.clientset.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: sandboxNameHashLabel + "=" + hash,
			})
			if err == nil {
				for _, pod := range pods.Items {
					if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
						return pod.Status.PodIP, nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

func nameHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

func cpuQuantity(nanoCPUs int64) resource.Quantity {
	if nanoCPUs == 0 {
		return *resource.NewMilliQuantity(4000, resource.DecimalSI)
	}
	return *resource.NewMilliQuantity(nanoCPUs/1_000_000, resource.DecimalSI)
}

func memoryQuantity(bytes int64) resource.Quantity {
	if bytes == 0 {
		bytes = 4 * 1024 * 1024 * 1024
	}
	return *resource.NewQuantity(bytes, resource.BinarySI)
}

func runtimeClassName(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}

func (m *Manager) Stop(ctx context.Context, handleID string) error {
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{Name: handleID, Namespace: m.namespace},
	}
	if err := client.IgnoreNotFound(m.k8s.Delete(ctx, sb)); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", handleID, err)
	}
	return nil
}

func (m *Manager) List(ctx context.Context) ([]backend.Handle, error) {
	var list sandboxv1alpha1.SandboxList
	if err := m.k8s.List(ctx, &list,
		client.InNamespace(m.namespace),
		client.MatchingLabels{labelManagedBy: labelValue},
	); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	out := make([]backend.Handle, 0, len(list.Items))
	for _, sb := range list.Items {
		out = append(out, backend.Handle{ID: sb.Name})
	}
	return out, nil
}
