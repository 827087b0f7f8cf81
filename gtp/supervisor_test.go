package gtp

import (
	"os"
	"reflect"
	"testing"
)

func TestBuildChildEnv(t *testing.T) {
	const envVar = "GTPUD_TEST_WHITELIST_VAR"
	os.Setenv(envVar, "present")
	defer os.Unsetenv(envVar)

	s := NewSupervisor(testLogger(), []string{envVar, "GTPUD_TEST_ABSENT_VAR"})

	got := s.buildChildEnv([]string{"EXTRA=1"})
	want := []string{envVar + "=present", "EXTRA=1"}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildChildEnv() = %v, want %v", got, want)
	}
}

func TestSupervisorHandleReapedUnknownPid(t *testing.T) {
	s := NewSupervisor(testLogger(), nil)

	_, _, ok := s.HandleReaped(reapedChild{pid: 12345, exitCode: 0})
	if ok {
		t.Fatal("HandleReaped() reported success for an unregistered pid")
	}
}

func TestSupervisorHandleReapedKnownPid(t *testing.T) {
	s := NewSupervisor(testLogger(), nil)
	client := &CupsClient{}
	s.Register(&Subprocess{Pid: 42, Client: client})

	gotClient, ind, ok := s.HandleReaped(reapedChild{pid: 42, exitCode: 7})
	if !ok {
		t.Fatal("HandleReaped() did not find registered pid")
	}
	if gotClient != client {
		t.Error("HandleReaped() returned wrong client")
	}
	if ind.Pid != 42 || ind.ExitCode != 7 {
		t.Errorf("HandleReaped() ind = %+v, want {Pid:42 ExitCode:7}", ind)
	}

	if _, _, ok := s.HandleReaped(reapedChild{pid: 42, exitCode: 7}); ok {
		t.Fatal("HandleReaped() found the same pid twice")
	}
}
