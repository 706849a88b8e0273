package notifier

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"veille/internal/model"

	"github.com/rs/zerolog"
)

func TestLogDigestSenderWritesItems(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	n := NewLogDigestSender(&logger)

	pubs := []model.Publication{{
		Title:  "Construction d'un hangar",
		Canton: "FR",
		URL:    "https://gazette.test/fo.pdf#entry-2",
	}}

	if err := n.SendDigest(context.Background(), "org@example.com", pubs, CriteriaSummary{Cantons: []string{"FR"}, Total: 1}); err != nil {
		t.Fatalf("SendDigest error: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "Construction d'un hangar") || !strings.Contains(logged, "https://gazette.test/fo.pdf#entry-2") {
		t.Fatalf("log output missing publication info: %s", logged)
	}
	if !strings.Contains(logged, `"recipient":"org@example.com"`) {
		t.Fatalf("log output missing recipient: %s", logged)
	}
}
