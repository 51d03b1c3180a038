package env

import (
	"reflect"
	"strings"
	"testing"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().FromList([]string{"HOME=/home/bot", "LEVEL=info", "=broken", "NOEQ"})
	e.Set("LEVEL", "debug")
	e.Set("DATA", "${HOME}/data")
	got := e.Merge([]string{"LEVEL=warn", "HB=${DATA}/heartbeat.json", "X=${MISSING}"})
	want := []string{
		"DATA=/home/bot/data",
		"HB=${HOME}/data/heartbeat.json",
		"HOME=/home/bot",
		"LEVEL=warn",
		"X=${MISSING}",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge = %v, want %v", got, want)
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	e := New().FromList(nil)
	e.Set("A", "1")
	c := e.WithSet("B", "2")
	if _, ok := e.Var["B"]; ok {
		t.Fatalf("WithSet mutated receiver")
	}
	if got := strings.Join(c.Merge(nil), ","); got != "A=1,B=2" {
		t.Fatalf("Merge = %s", got)
	}
	c.Unset("A")
	if got := strings.Join(c.Merge(nil), ","); got != "B=2" {
		t.Fatalf("after Unset = %s", got)
	}
}

func TestMergeDefaultsToOS(t *testing.T) {
	t.Setenv("KEEPALIVE_ENV_TEST", "yes")
	out := New().Merge(nil)
	found := false
	for _, kv := range out {
		if kv == "KEEPALIVE_ENV_TEST=yes" {
			found = true
		}
	}
	if !found {
		t.Fatalf("OS environment not inherited")
	}
}
