package scope

import (
	"errors"
	"testing"
)

func TestResolveValidScopes(t *testing.T) {
	cases := []struct {
		name       string
		kind       Kind
		namespace  string
		deployment string
		pod        string
		target     string
	}{
		{"pod scope", KindPod, "ns1", "", "api-7f9c-x1", "ns1/api-7f9c-x1"},
		{"deployment scope", KindDeployment, "ns1", "api", "", "ns1/api"},
		{"namespace scope", KindNamespace, "ns1", "", "", "ns1"},
		{"cluster scope", KindCluster, "", "", "", "cluster"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := Resolve(tc.kind, tc.namespace, tc.deployment, tc.pod)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if spec.Kind != tc.kind {
				t.Errorf("Expected kind %s, got %s", tc.kind, spec.Kind)
			}
			if spec.Target() != tc.target {
				t.Errorf("Expected target %s, got %s", tc.target, spec.Target())
			}
		})
	}
}

func TestResolveInvalidScopes(t *testing.T) {
	cases := []struct {
		name       string
		kind       Kind
		namespace  string
		deployment string
		pod        string
	}{
		{"pod and deployment together", KindPod, "ns1", "api", "api-x1"},
		{"pod scope without pod", KindPod, "ns1", "", ""},
		{"pod scope without namespace", KindPod, "", "", "api-x1"},
		{"deployment scope without deployment", KindDeployment, "ns1", "", ""},
		{"deployment scope without namespace", KindDeployment, "", "api", ""},
		{"namespace scope without namespace", KindNamespace, "", "", ""},
		{"namespace scope with pod", KindNamespace, "ns1", "", "api-x1"},
		{"cluster scope with namespace", KindCluster, "ns1", "", ""},
		{"unknown kind", Kind("region"), "", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.kind, tc.namespace, tc.deployment, tc.pod)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestInfer(t *testing.T) {
	cases := []struct {
		namespace  string
		deployment string
		pod        string
		want       Kind
	}{
		{"ns1", "", "api-x1", KindPod},
		{"ns1", "api", "", KindDeployment},
		{"ns1", "", "", KindNamespace},
		{"", "", "", KindCluster},
	}

	for _, tc := range cases {
		if got := Infer(tc.namespace, tc.deployment, tc.pod); got != tc.want {
			t.Errorf("Infer(%q, %q, %q) = %s, want %s", tc.namespace, tc.deployment, tc.pod, got, tc.want)
		}
	}
}

func TestKeyIsCanonical(t *testing.T) {
	a, err := Resolve(KindDeployment, "ns1", "api", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, err := Resolve(KindDeployment, "ns1", "api", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a.Key() != b.Key() {
		t.Errorf("Equal scopes produced different keys: %q vs %q", a.Key(), b.Key())
	}

	c, _ := Resolve(KindNamespace, "ns1", "", "")
	if a.Key() == c.Key() {
		t.Errorf("Different scopes collided on key %q", a.Key())
	}
}

func TestSelectorRender(t *testing.T) {
	spec, err := Resolve(KindDeployment, "ns1", "api", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	rendered := spec.Selector().Render()
	want := `namespace="ns1",pod=~"api-.*"`
	if rendered != want {
		t.Errorf("Expected %s, got %s", want, rendered)
	}
}

func TestDeploymentSelectorMatchesOwnedPodsOnly(t *testing.T) {
	spec, err := Resolve(KindDeployment, "ns1", "api", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	sel := spec.Selector()

	// Pods spawned from the deployment's replicasets carry the name
	// prefix; unrelated workloads sharing a prefix-free name must not
	// match.
	owned := []string{"api-7f9c8b-x1", "api-abc123"}
	for _, pod := range owned {
		if !sel.Matches(map[string]string{"namespace": "ns1", "pod": pod}) {
			t.Errorf("Expected pod %s to match deployment selector", pod)
		}
	}

	foreign := []string{"apibackup-1", "api", "web-7f9c8b-x1"}
	for _, pod := range foreign {
		if sel.Matches(map[string]string{"namespace": "ns1", "pod": pod}) {
			t.Errorf("Expected pod %s not to match deployment selector", pod)
		}
	}

	if sel.Matches(map[string]string{"namespace": "ns2", "pod": "api-abc123"}) {
		t.Error("Selector matched a pod in the wrong namespace")
	}
}

func TestPrefixQuotesRegexMetacharacters(t *testing.T) {
	spec, err := Resolve(KindDeployment, "ns1", "api.v2", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	sel := spec.Selector()

	if !sel.Matches(map[string]string{"namespace": "ns1", "pod": "api.v2-x1"}) {
		t.Error("Expected literal dot prefix to match")
	}
	// An unescaped dot would match any character here.
	if sel.Matches(map[string]string{"namespace": "ns1", "pod": "apixv2-x1"}) {
		t.Error("Regex metacharacter in deployment name widened the match")
	}
}

func TestClusterSelectorIsEmpty(t *testing.T) {
	spec, err := Resolve(KindCluster, "", "", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !spec.Selector().Empty() {
		t.Errorf("Expected empty cluster selector, got %q", spec.Selector().Render())
	}
}

func TestSelectorConcat(t *testing.T) {
	base := NewSelector().NotEqual("container", "")
	sel := base.Concat(NewSelector().Equal("namespace", "ns1"))

	want := `container!="",namespace="ns1"`
	if sel.Render() != want {
		t.Errorf("Expected %s, got %s", want, sel.Render())
	}

	// Concat must not mutate the receiver.
	if base.Render() != `container!=""` {
		t.Errorf("Concat mutated the base selector: %q", base.Render())
	}
}
