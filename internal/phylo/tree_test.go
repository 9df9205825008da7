package phylo

import (
	"strings"
	"testing"

	"github.com/evolbioinfo/gotree/io/newick"
)

func parseTestTree(t *testing.T, nwk string) *Tree {
	t.Helper()
	gt, err := newick.NewParser(strings.NewReader(nwk)).Parse()
	if err != nil {
		t.Fatalf("invalid newick in test: %v", err)
	}
	tr, err := FromGotree(gt)
	if err != nil {
		t.Fatalf("FromGotree failed: %v", err)
	}
	return tr
}

func TestFromGotreeBasicShape(t *testing.T) {
	tr := parseTestTree(t, "((((A,B)a,C)b,D)c,F)r;")
	if tr.NLeaf != 5 {
		t.Fatalf("expected 5 leaves, got %d", tr.NLeaf)
	}
	if len(tr.Nodes) != 9 {
		t.Fatalf("expected 9 nodes (5 leaves + 4 internal), got %d", len(tr.Nodes))
	}
	for id := 0; id < tr.NLeaf; id++ {
		if !tr.IsLeaf(id) {
			t.Errorf("node %d should be a leaf", id)
		}
		if tr.Nodes[id].Name == "" {
			t.Errorf("leaf %d should have a name", id)
		}
	}
	for id := tr.NLeaf; id < len(tr.Nodes); id++ {
		if tr.IsLeaf(id) {
			t.Errorf("node %d should not be a leaf", id)
		}
		if len(tr.Nodes[id].Children) != 2 {
			t.Errorf("internal node %d should have 2 children, got %d", id, len(tr.Nodes[id].Children))
		}
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if tr.Nodes[tr.Root].Father != -1 {
		t.Errorf("root must have father -1, got %d", tr.Nodes[tr.Root].Father)
	}
}

func TestFromGotreeRejectsUnrooted(t *testing.T) {
	gt, err := newick.NewParser(strings.NewReader("(A,B,C);")).Parse()
	if err != nil {
		t.Fatalf("invalid newick in test: %v", err)
	}
	if _, err := FromGotree(gt); err == nil {
		t.Fatal("expected error building tree from unrooted newick")
	}
}

func TestValidateDetectsBadFather(t *testing.T) {
	tr := parseTestTree(t, "((A,B)a,C)r;")
	tr.Nodes[0].Father = 999
	if err := tr.Validate(); err == nil {
		t.Fatal("expected Validate to reject out-of-range father")
	}
}

func TestEveryNodeExceptRootIsChildExactlyOnce(t *testing.T) {
	tr := parseTestTree(t, "((((A,B)a,C)b,D)c,F)r;")
	seen := make(map[int]int)
	for _, nd := range tr.Nodes {
		for _, c := range nd.Children {
			seen[c]++
		}
	}
	for id := range tr.Nodes {
		if id == tr.Root {
			if seen[id] != 0 {
				t.Errorf("root %d should not be anyone's child", id)
			}
			continue
		}
		if seen[id] != 1 {
			t.Errorf("node %d should be a child exactly once, got %d", id, seen[id])
		}
	}
}
