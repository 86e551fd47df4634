package flowcontrol_test

import (
	"testing"

	"github.com/rsteckler/AxioCNC-sub004/flowcontrol"
)

func TestCharCountRespectsCapacity(t *testing.T) {
	fc := flowcontrol.NewCharCount(128)
	// 20 lines of 31 chars each (30 + LF); at most floor(128/31) = 4 may be
	// in flight at once (spec.md §8 scenario 2).
	const lineLen = 31
	sentCount := 0
	for id := flowcontrol.LineID(0); sentCount < 20; id++ {
		if !fc.CanSend(lineLen) {
			t.Fatalf("blocked after sending %d lines with inFlight=%d, capacity=128", sentCount, fc.InFlight())
		}
		if fc.InFlight()+lineLen > 128 {
			t.Fatalf("invariant violated: inFlight=%d would exceed 128", fc.InFlight())
		}
		fc.Sent(id, lineLen)
		sentCount++
		if sentCount%4 == 0 {
			// simulate 4 acks clearing the ledger to allow the next batch
			for i := 0; i < 4; i++ {
				if _, err := fc.Ack(); err != nil {
					t.Fatalf("ack: %v", err)
				}
			}
		}
	}
	if fc.InFlight() != 0 {
		t.Fatalf("expected empty ledger at end, got inFlight=%d", fc.InFlight())
	}
}

func TestCharCountBlocksBeyondCapacity(t *testing.T) {
	fc := flowcontrol.NewCharCount(128)
	fc.Sent(1, 100)
	if fc.CanSend(29) {
		// 100 + 29 = 129 > 128
		t.Fatal("expected CanSend to reject a line that would exceed capacity")
	}
	if !fc.CanSend(28) {
		t.Fatal("expected CanSend to allow a line that exactly fits capacity")
	}
}

func TestCharCountAckPopsFIFO(t *testing.T) {
	fc := flowcontrol.NewCharCount(128)
	fc.Sent(1, 10)
	fc.Sent(2, 20)
	e, err := fc.Ack()
	if err != nil || e.ID != 1 {
		t.Fatalf("expected first entry popped, got %+v, %v", e, err)
	}
	if fc.InFlight() != 20 {
		t.Fatalf("expected inFlight=20, got %d", fc.InFlight())
	}
}

func TestCharCountAckOnEmptyLedgerIsDesync(t *testing.T) {
	fc := flowcontrol.NewCharCount(128)
	if _, err := fc.Ack(); err != flowcontrol.ErrNoEntries {
		t.Fatalf("expected ErrNoEntries, got %v", err)
	}
}

func TestCharCountResetClearsLedger(t *testing.T) {
	fc := flowcontrol.NewCharCount(128)
	fc.Sent(1, 50)
	fc.Reset()
	if fc.InFlight() != 0 {
		t.Fatalf("expected empty ledger after reset, got %d", fc.InFlight())
	}
}

func TestLockStepAllowsOnlyOneOutstanding(t *testing.T) {
	fc := flowcontrol.NewLockStep()
	if !fc.CanSend(10) {
		t.Fatal("expected first send to be allowed")
	}
	fc.Sent(1, 10)
	if fc.CanSend(10) {
		t.Fatal("expected second send to be blocked while one is outstanding")
	}
	if _, err := fc.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !fc.CanSend(10) {
		t.Fatal("expected send to be allowed again after ack")
	}
}

func TestQueueReportGatesOnLowWater(t *testing.T) {
	fc := flowcontrol.NewQueueReport(4)
	fc.UpdateQR(2)
	if fc.CanSend(1) {
		t.Fatal("expected CanSend to reject when qr <= lowWater")
	}
	fc.UpdateQR(10)
	if !fc.CanSend(1) {
		t.Fatal("expected CanSend to allow when qr > lowWater")
	}
}

func TestQueueReportAllowsBeforeFirstReport(t *testing.T) {
	fc := flowcontrol.NewQueueReport(4)
	if !fc.CanSend(1) {
		t.Fatal("expected CanSend to allow before any qr observed")
	}
}
