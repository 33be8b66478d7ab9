package security

import (
	"strings"
	"testing"
)

// --- ConnectionLimiter ---

func TestConnectionLimiter_AllowsWithinLimit(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	ip := "192.168.1.1"
	if !cl.CanConnect(ip) {
		t.Error("Should allow first connection")
	}

	cl.AddConnection(ip)
	if cl.GetConnectionCount(ip) != 1 {
		t.Errorf("Count = %d, want 1", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_BlocksAtLimit(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	ip := "192.168.1.2"
	for i := 0; i < SecurityLimits.MaxConnectionsPerIP; i++ {
		cl.AddConnection(ip)
	}

	if cl.CanConnect(ip) {
		t.Error("Should block connections at limit")
	}
}

func TestConnectionLimiter_RemoveConnection(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	ip := "192.168.1.3"
	cl.AddConnection(ip)
	cl.AddConnection(ip)
	if cl.GetConnectionCount(ip) != 2 {
		t.Errorf("Count = %d, want 2", cl.GetConnectionCount(ip))
	}

	cl.RemoveConnection(ip)
	if cl.GetConnectionCount(ip) != 1 {
		t.Errorf("Count = %d, want 1", cl.GetConnectionCount(ip))
	}

	cl.RemoveConnection(ip)
	if cl.GetConnectionCount(ip) != 0 {
		t.Errorf("Count = %d, want 0", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_MultipleIPs(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	cl.AddConnection("10.0.0.1")
	cl.AddConnection("10.0.0.2")
	cl.AddConnection("10.0.0.2")

	if cl.GetConnectionCount("10.0.0.1") != 1 {
		t.Error("IP 1 should have 1 connection")
	}
	if cl.GetConnectionCount("10.0.0.2") != 2 {
		t.Error("IP 2 should have 2 connections")
	}
}

// --- ConnectionRateLimiter ---

func TestConnectionRateLimiter_AllowsWithinLimit(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	connID := "conn-1"
	if !crl.CanSendMessage(connID) {
		t.Error("Should allow first message")
	}

	crl.RecordMessage(connID)
	if !crl.CanSendMessage(connID) {
		t.Error("Should allow messages within limit")
	}
}

func TestConnectionRateLimiter_BlocksAtLimit(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	connID := "conn-2"
	for i := 0; i < SecurityLimits.MaxMessagesPerMinute; i++ {
		crl.RecordMessage(connID)
	}

	if crl.CanSendMessage(connID) {
		t.Error("Should block messages at limit")
	}
}

func TestConnectionRateLimiter_RemoveConnection(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	connID := "conn-3"
	for i := 0; i < SecurityLimits.MaxMessagesPerMinute; i++ {
		crl.RecordMessage(connID)
	}

	crl.RemoveConnection(connID)
	if !crl.CanSendMessage(connID) {
		t.Error("Should allow messages after connection removal")
	}
}

func TestConnectionRateLimiter_IndependentConnections(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	// Fill up conn-a
	for i := 0; i < SecurityLimits.MaxMessagesPerMinute; i++ {
		crl.RecordMessage("conn-a")
	}

	// conn-b should be unaffected
	if !crl.CanSendMessage("conn-b") {
		t.Error("Different connection should not be rate limited")
	}
}

// --- SecurityManager ---

func TestSecurityManager_Creation(t *testing.T) {
	sm := NewSecurityManager()
	defer sm.Dispose()

	if sm.ConnectionLimiter == nil {
		t.Error("ConnectionLimiter should not be nil")
	}
	if sm.ConnectionRateLimiter == nil {
		t.Error("ConnectionRateLimiter should not be nil")
	}
}

// --- ValidateDocumentID ---

func TestValidateDocumentID_Valid(t *testing.T) {
	validIDs := []string{
		"doc-1",
		"my_document",
		"matter:42:brief",
		"ABC123",
	}

	for _, id := range validIDs {
		valid, errMsg := ValidateDocumentID(id)
		if !valid {
			t.Errorf("Expected %q to be valid, got error: %s", id, errMsg)
		}
	}
}

func TestValidateDocumentID_Invalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"spaces", "doc 1"},
		{"special chars", "doc@#$"},
		{"too long", strings.Repeat("a", 257)},
	}

	for _, tt := range tests {
		valid, _ := ValidateDocumentID(tt.id)
		if valid {
			t.Errorf("%s: expected invalid for %q", tt.name, tt.id)
		}
	}
}

// --- ValidateEditContent ---

func TestValidateEditContent(t *testing.T) {
	valid, _ := ValidateEditContent("a short edit")
	if !valid {
		t.Error("Short edit should be valid")
	}

	valid, reason := ValidateEditContent(strings.Repeat("x", SecurityLimits.MaxEditContentSize+1))
	if valid {
		t.Error("Oversized edit should be rejected")
	}
	if reason == "" {
		t.Error("Should provide a reason when rejected")
	}
}

// --- SecurityLimits defaults ---

func TestSecurityLimits_Defaults(t *testing.T) {
	if SecurityLimits.MaxConnectionsPerIP != 50 {
		t.Errorf("MaxConnectionsPerIP = %d, want 50", SecurityLimits.MaxConnectionsPerIP)
	}
	if SecurityLimits.MaxMessagesPerMinute != 500 {
		t.Errorf("MaxMessagesPerMinute = %d, want 500", SecurityLimits.MaxMessagesPerMinute)
	}
	if SecurityLimits.MaxMessageSize != 2_000_000 {
		t.Errorf("MaxMessageSize = %d, want 2000000", SecurityLimits.MaxMessageSize)
	}
}
