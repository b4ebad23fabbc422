package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// ApplyEgressPolicy installs a NetworkPolicy in the sandbox namespace that
// denies all sandbox pod egress except DNS to kube-system and traffic to
// any pod, on any port, in proxyNamespace (where the egress proxy runs).
// This is defense in depth alongside the proxy's own per-request allowlist
// enforcement: even if a sandbox's HTTP_PROXY environment variable were
// bypassed, the network layer permits no destination outside those two
// namespaces. Called
// once from New at startup; it is idempotent (get-then-create-or-update),
// so re-running it on every manager restart is harmless.
func (m *Manager) ApplyEgressPolicy(ctx context.Context, proxyNamespace string) error {
	dnsPort := intstr.FromInt32(53)
	udp := corev1.ProtocolUDP
	tcp := corev1.ProtocolTCP

	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "execbox-sandbox-egress",
			Namespace: m.namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{labelManagedBy: labelValue}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
						},
					}},
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &udp, Port: &dnsPort},
						{Protocol: &tcp, Port: &dnsPort},
					},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": proxyNamespace},
						},
					}},
				},
			},
		},
	}

	existing, err := m.clientset.NetworkingV1().NetworkPolicies(m.namespace).Get(ctx, np.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = m.clientset.NetworkingV1().NetworkPolicies(m.namespace).Create(ctx, np, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("create network policy: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get network policy: %w", err)
	}
	np.ResourceVersion = existing.ResourceVersion
	if _, err := m.clientset.NetworkingV1().NetworkPolicies(m.namespace).Update(ctx, np, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update network policy: %w", err)
	}
	return nil
}
