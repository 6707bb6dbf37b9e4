package scope

import (
	"fmt"
	"strings"
)

// Kind identifies the granularity a query or prediction applies to.
type Kind string

const (
	KindPod        Kind = "pod"
	KindDeployment Kind = "deployment"
	KindNamespace  Kind = "namespace"
	KindCluster    Kind = "cluster"
)

// Spec is a validated, immutable scope. Construct via Resolve.
type Spec struct {
	Kind       Kind
	Namespace  string
	Deployment string
	Pod        string
}

// ValidationError reports a malformed or contradictory scope request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scope: %s", e.Reason)
}

// Resolve validates the requested scope fields against the kind's rules
// and returns a canonical Spec.
//
// Rules:
//   - pod:        requires namespace + pod, forbids deployment
//   - deployment: requires namespace + deployment, forbids pod
//   - namespace:  requires namespace, forbids pod and deployment
//   - cluster:    forbids all three
func Resolve(kind Kind, namespace, deployment, pod string) (*Spec, error) {
	if pod != "" && deployment != "" {
		return nil, &ValidationError{Reason: "mutually exclusive scope fields: pod and deployment"}
	}

	switch kind {
	case KindPod:
		if pod == "" {
			return nil, &ValidationError{Reason: "pod name is required when scope is 'pod'"}
		}
		if namespace == "" {
			return nil, &ValidationError{Reason: "namespace is required when scope is 'pod'"}
		}
	case KindDeployment:
		if deployment == "" {
			return nil, &ValidationError{Reason: "deployment name is required when scope is 'deployment'"}
		}
		if namespace == "" {
			return nil, &ValidationError{Reason: "namespace is required when scope is 'deployment'"}
		}
	case KindNamespace:
		if namespace == "" {
			return nil, &ValidationError{Reason: "namespace is required when scope is 'namespace'"}
		}
		if pod != "" || deployment != "" {
			return nil, &ValidationError{Reason: "pod and deployment are not valid for namespace scope"}
		}
	case KindCluster:
		if namespace != "" || pod != "" || deployment != "" {
			return nil, &ValidationError{Reason: "cluster scope takes no namespace, deployment, or pod"}
		}
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported scope %q", string(kind))}
	}

	return &Spec{Kind: kind, Namespace: namespace, Deployment: deployment, Pod: pod}, nil
}

// Infer picks the narrowest kind the populated fields describe. Used when
// a request leaves the scope unset.
func Infer(namespace, deployment, pod string) Kind {
	switch {
	case pod != "":
		return KindPod
	case deployment != "":
		return KindDeployment
	case namespace != "":
		return KindNamespace
	default:
		return KindCluster
	}
}

// Target returns a human-readable identifier for logs and responses.
func (s *Spec) Target() string {
	switch s.Kind {
	case KindPod:
		return s.Namespace + "/" + s.Pod
	case KindDeployment:
		return s.Namespace + "/" + s.Deployment
	case KindNamespace:
		return s.Namespace
	default:
		return "cluster"
	}
}

// Key returns a canonical cache-key fragment. Fields are joined in a
// fixed order so equal scopes always produce equal keys.
func (s *Spec) Key() string {
	return strings.Join([]string{string(s.Kind), s.Namespace, s.Deployment, s.Pod}, "/")
}

// Selector translates the scope into a label-filter conjunction for the
// metrics store. Deployment scope approximates pod ownership with a
// name-prefix match rather than a live ReplicaSet lookup.
func (s *Spec) Selector() Selector {
	sel := NewSelector()
	switch s.Kind {
	case KindPod:
		sel = sel.Equal("namespace", s.Namespace).Equal("pod", s.Pod)
	case KindDeployment:
		sel = sel.Equal("namespace", s.Namespace).Prefix("pod", s.Deployment+"-")
	case KindNamespace:
		sel = sel.Equal("namespace", s.Namespace)
	case KindCluster:
		// No namespace filter; aggregate across the cluster.
	}
	return sel
}
