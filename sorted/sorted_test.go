// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package sorted_test

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/creachadair/layer/sorted"
	"github.com/google/go-cmp/cmp"
)

func intCompare(a, b int) int { return a - b }

func TestEmpty(t *testing.T) {
	lst := sorted.New(intCompare)
	if v, ok := lst.First(); ok {
		t.Errorf("First: got %v, want none", v)
	}
	if v, ok := lst.Last(); ok {
		t.Errorf("Last: got %v, want none", v)
	}
	if n := lst.Len(); n != 0 {
		t.Errorf("Len: got %d, want 0", n)
	}

	// Removing through an empty reference is harmless.
	ref := lst.Find(func(int) bool { return true })
	ref.Remove()
	if v, ok := ref.Value(); ok {
		t.Errorf("Value: got %v, want none", v)
	}
}

func TestInsertRemove(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	var want []int
	for range 100 {
		want = append(want, rng.IntN(201)-100)
	}
	input := slices.Clone(want)
	rng.Shuffle(len(input), func(i, j int) { input[i], input[j] = input[j], input[i] })
	slices.Sort(want)

	lst := sorted.New(intCompare)
	for _, v := range input {
		lst.Insert(v)
	}
	if diff := cmp.Diff(want, slices.Collect(lst.All())); diff != "" {
		t.Fatalf("After insert (-want, +got):\n%s", diff)
	}

	// Remove a random half of the values.
	for _, i := range rng.Perm(len(input))[:50] {
		r := input[i]
		lst.Find(func(v int) bool { return v == r }).Remove()
		want = slices.Delete(want, slices.Index(want, r), slices.Index(want, r)+1)
	}

	if got := lst.Len(); got != len(want) {
		t.Errorf("Len: got %d, want %d", got, len(want))
	}
	if diff := cmp.Diff(want, slices.Collect(lst.All())); diff != "" {
		t.Errorf("After remove (-want, +got):\n%s", diff)
	}
	if got, _ := lst.First(); got != want[0] {
		t.Errorf("First: got %d, want %d", got, want[0])
	}
	if got, _ := lst.Last(); got != want[len(want)-1] {
		t.Errorf("Last: got %d, want %d", got, want[len(want)-1])
	}
}

func TestRemoveTwice(t *testing.T) {
	lst := sorted.New(intCompare)
	for _, v := range []int{5, 1, 3} {
		lst.Insert(v)
	}
	ref := lst.Find(func(v int) bool { return v == 3 })
	if v, ok := ref.Value(); !ok || v != 3 {
		t.Fatalf("Value: got (%v, %v), want (3, true)", v, ok)
	}
	ref.Remove()
	ref.Remove()

	if diff := cmp.Diff([]int{1, 5}, slices.Collect(lst.All())); diff != "" {
		t.Errorf("Contents (-want, +got):\n%s", diff)
	}
	if n := lst.Len(); n != 2 {
		t.Errorf("Len: got %d, want 2", n)
	}
	if _, ok := ref.Value(); ok {
		t.Error("Value: removed element is still reported")
	}
}

func TestStableTies(t *testing.T) {
	type item struct {
		W    int
		Name string
	}
	// Descending by weight, as an interest list is kept.
	lst := sorted.New(func(a, b item) int { return b.W - a.W })
	lst.Insert(item{2, "a"})
	lst.Insert(item{5, "b"})
	lst.Insert(item{2, "c"})
	lst.Insert(item{5, "d"})
	lst.Insert(item{1, "e"})

	want := []item{{5, "b"}, {5, "d"}, {2, "a"}, {2, "c"}, {1, "e"}}
	if diff := cmp.Diff(want, slices.Collect(lst.All())); diff != "" {
		t.Errorf("Order (-want, +got):\n%s", diff)
	}
	if got, _ := lst.First(); got != want[0] {
		t.Errorf("First: got %v, want %v", got, want[0])
	}

	// Removing the head and tail keeps the extremes consistent.
	lst.Find(func(v item) bool { return v.Name == "b" }).Remove()
	lst.Find(func(v item) bool { return v.Name == "e" }).Remove()
	if got, _ := lst.First(); got.Name != "d" {
		t.Errorf("First after remove: got %v, want d", got)
	}
	if got, _ := lst.Last(); got.Name != "c" {
		t.Errorf("Last after remove: got %v, want c", got)
	}
}

func TestEarlyStop(t *testing.T) {
	lst := sorted.New(intCompare)
	for v := range 10 {
		lst.Insert(v)
	}
	var got []int
	for v := range lst.All() {
		if v == 3 {
			break
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, got); diff != "" {
		t.Errorf("Partial iteration (-want, +got):\n%s", diff)
	}
}
