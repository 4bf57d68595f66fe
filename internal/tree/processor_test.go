package tree

import (
	"context"
	"errors"
	"testing"
	"time"
)

func blockingFn(started chan<- string, release <-chan struct{}) ProcessorFn {
	return func(ctx context.Context, nodeID string, node *Node) error {
		started <- nodeID
		<-release
		return nil
	}
}

func TestProcessor_EnqueueRunsOneNodePerTreeAtATimeInFIFOOrder(t *testing.T) {
	repo := NewRepository()
	repo.CreateTree(&Node{NodeID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "n2", ParentID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "n3", ParentID: "root", State: Pending})

	started := make(chan string, 3)
	release := make(chan struct{})
	proc := NewProcessor(repo)

	queued, err := proc.Enqueue("root", blockingFn(started, release))
	if err != nil || queued {
		t.Fatalf("expected root to start immediately, queued=%v err=%v", queued, err)
	}

	waitFor := func(want string) {
		t.Helper()
		select {
		case got := <-started:
			if got != want {
				t.Fatalf("expected %q to start, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q to start", want)
		}
	}
	waitFor("root")

	queued, err = proc.Enqueue("n2", blockingFn(started, release))
	if err != nil || !queued {
		t.Fatalf("expected n2 to be queued behind root, queued=%v err=%v", queued, err)
	}
	queued, err = proc.Enqueue("n3", blockingFn(started, release))
	if err != nil || !queued {
		t.Fatalf("expected n3 to be queued behind root, queued=%v err=%v", queued, err)
	}

	release <- struct{}{}
	waitFor("n2")
	release <- struct{}{}
	waitFor("n3")
	release <- struct{}{}
}

func TestProcessor_EnqueueUnknownNodeErrors(t *testing.T) {
	repo := NewRepository()
	proc := NewProcessor(repo)
	_, err := proc.Enqueue("ghost", func(ctx context.Context, nodeID string, node *Node) error { return nil })
	if err == nil {
		t.Fatal("expected an error for an unregistered node")
	}
}

func TestProcessor_FailedNodePropagatesErrorToPendingDescendants(t *testing.T) {
	repo := NewRepository()
	repo.CreateTree(&Node{NodeID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "a", ParentID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "b", ParentID: "a", State: Pending})
	repo.AddNode(&Node{NodeID: "c", ParentID: "root", State: Completed})

	proc := NewProcessor(repo)
	done := make(chan struct{})
	_, err := proc.Enqueue("root", func(ctx context.Context, nodeID string, node *Node) error {
		defer close(done)
		return errors.New("boom")
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the node to finish")
	}
	// FinishAndAdvance runs after the callback returns; give it a moment.
	time.Sleep(20 * time.Millisecond)

	tr, _ := repo.TreeForNode("root")
	root, _ := tr.GetNode("root")
	if root.State != Error || root.ErrorMessage != "boom" {
		t.Fatalf("expected root to be ERROR(boom), got %v %q", root.State, root.ErrorMessage)
	}
	a, _ := tr.GetNode("a")
	if a.State != Error || a.ErrorMessage != "Parent failed: boom" {
		t.Fatalf("expected a to cascade, got %v %q", a.State, a.ErrorMessage)
	}
	b, _ := tr.GetNode("b")
	if b.State != Error || b.ErrorMessage != "Parent failed: boom" {
		t.Fatalf("expected b to cascade, got %v %q", b.State, b.ErrorMessage)
	}
	c, _ := tr.GetNode("c")
	if c.State != Completed {
		t.Fatalf("expected completed sibling to be left alone, got %v", c.State)
	}
}

func TestProcessor_MarkNodeErrorWithoutPropagateLeavesDescendantsAlone(t *testing.T) {
	repo := NewRepository()
	repo.CreateTree(&Node{NodeID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "a", ParentID: "root", State: Pending})

	proc := NewProcessor(repo)
	proc.MarkNodeError("root", "boom", false)

	tr, _ := repo.TreeForNode("root")
	a, _ := tr.GetNode("a")
	if a.State != Pending {
		t.Fatalf("expected a to remain pending, got %v", a.State)
	}
}

func TestProcessor_CancelTreeMarksRunningDrainedAndStaleNodes(t *testing.T) {
	repo := NewRepository()
	repo.CreateTree(&Node{NodeID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "n2", ParentID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "n3", ParentID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "stray", ParentID: "root", State: InProgress})

	started := make(chan string, 1)
	release := make(chan struct{})
	proc := NewProcessor(repo)

	proc.Enqueue("root", blockingFn(started, release))
	<-started
	proc.Enqueue("n2", blockingFn(started, release))
	proc.Enqueue("n3", blockingFn(started, release))

	affected := proc.CancelTree("root")
	if len(affected) != 4 {
		t.Fatalf("expected 4 affected nodes (root, n2, n3, stray), got %d: %v", len(affected), affected)
	}

	tr, _ := repo.TreeForNode("root")
	root, _ := tr.GetNode("root")
	if root.State != Error || root.ErrorMessage != "Cancelled by user" {
		t.Fatalf("expected root Cancelled by user, got %v %q", root.State, root.ErrorMessage)
	}
	n2, _ := tr.GetNode("n2")
	if n2.State != Error || n2.ErrorMessage != "Cancelled by user" {
		t.Fatalf("expected n2 Cancelled by user, got %v %q", n2.State, n2.ErrorMessage)
	}
	stray, _ := tr.GetNode("stray")
	if stray.State != Error || stray.ErrorMessage != "Stale task cleaned up" {
		t.Fatalf("expected stray Stale task cleaned up, got %v %q", stray.State, stray.ErrorMessage)
	}
	if tr.CurrentNodeID() != "" {
		t.Fatal("expected the tree to be idle after cancellation")
	}
}

func TestProcessor_CleanupStaleNodesTransitionsPendingAndInProgressOnly(t *testing.T) {
	repo := NewRepository()
	repo.CreateTree(&Node{NodeID: "root", State: InProgress})
	repo.AddNode(&Node{NodeID: "a", ParentID: "root", State: Pending})
	repo.AddNode(&Node{NodeID: "b", ParentID: "root", State: Completed})
	repo.AddNode(&Node{NodeID: "c", ParentID: "root", State: Error})

	proc := NewProcessor(repo)
	count := proc.CleanupStaleNodes()
	if count != 2 {
		t.Fatalf("expected 2 transitioned nodes, got %d", count)
	}

	tr, _ := repo.TreeForNode("root")
	root, _ := tr.GetNode("root")
	if root.State != Error || root.ErrorMessage != "Lost during server restart" {
		t.Fatalf("expected root Lost during server restart, got %v %q", root.State, root.ErrorMessage)
	}
	a, _ := tr.GetNode("a")
	if a.State != Error || a.ErrorMessage != "Lost during server restart" {
		t.Fatalf("expected a Lost during server restart, got %v %q", a.State, a.ErrorMessage)
	}
	b, _ := tr.GetNode("b")
	if b.State != Completed {
		t.Fatalf("expected completed node untouched, got %v", b.State)
	}
	c, _ := tr.GetNode("c")
	if c.State != Error || c.ErrorMessage != "" {
		t.Fatalf("expected pre-existing error node untouched, got %v %q", c.State, c.ErrorMessage)
	}
}

func TestProcessor_CancelAllCoversEveryTree(t *testing.T) {
	repo := NewRepository()
	repo.CreateTree(&Node{NodeID: "root-a", State: Pending})
	repo.CreateTree(&Node{NodeID: "root-b", State: Pending})

	startedA := make(chan string, 1)
	startedB := make(chan string, 1)
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	proc := NewProcessor(repo)

	proc.Enqueue("root-a", blockingFn(startedA, releaseA))
	proc.Enqueue("root-b", blockingFn(startedB, releaseB))
	<-startedA
	<-startedB

	result := proc.CancelAll()
	if len(result) != 2 {
		t.Fatalf("expected both trees cancelled, got %v", result)
	}
	if _, ok := result["root-a"]; !ok {
		t.Fatal("expected root-a in cancellation result")
	}
	if _, ok := result["root-b"]; !ok {
		t.Fatal("expected root-b in cancellation result")
	}
}
