// internal/modbus/response_test.go
package modbus

import (
	"errors"
	"testing"
)

func TestResponse_Lifecycle(t *testing.T) {
	r := newResponse(kindRead)

	if r.Done() {
		t.Fatal("fresh response already done")
	}

	r.complete([]uint16{0x0342}, nil)

	if !r.Done() {
		t.Fatal("completed response not done")
	}
	if r.Err() != nil {
		t.Fatalf("Err() = %v", r.Err())
	}

	data, ok := r.Read()
	if !ok || len(data.Registers) != 1 || data.Registers[0] != 0x0342 {
		t.Fatalf("Read() = %+v, %v", data, ok)
	}
	if _, ok := r.Write(); ok {
		t.Fatal("read response answered Write()")
	}
}

func TestResponse_WriteKind(t *testing.T) {
	r := newResponse(kindWrite)
	r.complete([]uint16{0x0001}, nil)

	ack, ok := r.Write()
	if !ok || ack.Registers[0] != 0x0001 {
		t.Fatalf("Write() = %+v, %v", ack, ok)
	}
	if _, ok := r.Read(); ok {
		t.Fatal("write response answered Read()")
	}
}

func TestResponse_Error(t *testing.T) {
	r := newResponse(kindRead)
	r.complete(nil, errors.New("timeout"))

	if !r.Done() {
		t.Fatal("failed response not done")
	}
	if r.Err() == nil {
		t.Fatal("Err() lost the failure")
	}
}

func TestUnpackRegisters(t *testing.T) {
	got := unpackRegisters([]byte{0x03, 0x42, 0xFF, 0x00})
	if len(got) != 2 || got[0] != 0x0342 || got[1] != 0xFF00 {
		t.Fatalf("unpackRegisters() = %v", got)
	}

	if got := unpackRegisters(nil); len(got) != 0 {
		t.Fatalf("unpackRegisters(nil) = %v", got)
	}

	// An odd trailing byte is dropped.
	if got := unpackRegisters([]byte{0x01, 0x02, 0x03}); len(got) != 1 || got[0] != 0x0102 {
		t.Fatalf("unpackRegisters() = %v", got)
	}
}
