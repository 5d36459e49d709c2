package broker

import "testing"

func TestClientIsHealthyNilConnection(t *testing.T) {
	c := &Client{}
	if c.IsHealthy() {
		t.Fatal("expected unhealthy client with no connection")
	}
}
