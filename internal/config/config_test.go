package config

import "testing"

func TestValidateRequiresCredentials(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing api key")
	}

	c = &Config{APIKey: "k"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing api secret")
	}

	c = &Config{APIKey: "k", APISecret: "s"}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.RecvWindow != DefaultRecvWindow {
		t.Errorf("RecvWindow = %d, want default %d", c.RecvWindow, DefaultRecvWindow)
	}
}

func TestBaseURLSelection(t *testing.T) {
	prod := &Config{}
	if prod.RESTBaseURL() != ProdRESTBaseURL {
		t.Errorf("prod REST base = %s", prod.RESTBaseURL())
	}
	if prod.WSBaseURL() != ProdWSBaseURL {
		t.Errorf("prod WS base = %s", prod.WSBaseURL())
	}

	test := &Config{Testnet: true}
	if test.RESTBaseURL() != TestRESTBaseURL {
		t.Errorf("testnet REST base = %s", test.RESTBaseURL())
	}
	if test.WSBaseURL() != TestWSBaseURL {
		t.Errorf("testnet WS base = %s", test.WSBaseURL())
	}
}
