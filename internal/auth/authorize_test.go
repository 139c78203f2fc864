package auth

import "testing"

func TestPrincipalGrants(t *testing.T) {
	t.Parallel()

	p := Principal{
		Roles: []Role{
			{Name: "viewer", Operations: []string{"manage_listFabrics"}},
			{Name: "operator", EditMode: true, Operations: []string{"manage_createFabric"}},
		},
		Clusters: []ClusterRef{{ID: "c1", Name: "DC-East"}},
	}
	if !p.HasEditMode() {
		t.Fatal("expected edit mode from operator role")
	}
	if !p.Grants("manage_createFabric") || p.Grants("manage_deleteFabric") {
		t.Fatal("unexpected grant evaluation")
	}
	if len(p.Operations()) != 2 {
		t.Fatalf("unexpected operation set %v", p.Operations())
	}

	cases := []struct {
		cluster string
		want    bool
	}{
		{"c1", true},
		{"dc-east", true},
		{"DC-West", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := p.AssignedTo(tc.cluster); got != tc.want {
			t.Fatalf("AssignedTo(%q) = %v, want %v", tc.cluster, got, tc.want)
		}
	}
}
