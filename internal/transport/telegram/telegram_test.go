package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"kaktusbot/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("🌵 Nová Kaktus akce!", telegramTextLimit)
	if len(got) != 1 || got[0] != "🌵 Nová Kaktus akce!" {
		t.Fatalf("splitText = %v", got)
	}
}

func TestSplitTextPrefersNewlineBoundary(t *testing.T) {
	t.Parallel()
	head := strings.Repeat("a", 60)
	tail := strings.Repeat("b", 60)
	got := splitText(head+"\n"+tail, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %v", len(got), got)
	}
	if got[0] != head || got[1] != tail {
		t.Fatalf("did not split on the newline: %q / %q", got[0], got[1])
	}
}

func TestSplitTextHardSplitWithoutNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("x", 250)
	got := splitText(in, 100)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	var total int
	for _, c := range got {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk exceeds limit: %d runes", len([]rune(c)))
		}
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("content lost in split: %d of 250", total)
	}
}

func TestSplitTextCountsRunesNotBytes(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("č", 150) // two bytes per rune
	got := splitText(in, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if n := len([]rune(got[0])); n != 100 {
		t.Fatalf("first chunk = %d runes, want 100", n)
	}
}

func TestClassifyPermanentErrors(t *testing.T) {
	t.Parallel()
	for _, src := range []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrChatNotFound,
	} {
		if got := classify(src); !errors.Is(got, transport.ErrUnreachable) {
			t.Fatalf("classify(%v) = %v, want ErrUnreachable", src, got)
		}
	}
}

func TestClassifyFloodError(t *testing.T) {
	t.Parallel()
	src := tele.FloodError{RetryAfter: 17}
	got := classify(src)

	var tooMany *transport.TooManyRequestsError
	if !errors.As(got, &tooMany) {
		t.Fatalf("classify(flood) = %v, want TooManyRequestsError", got)
	}
	if tooMany.RetryAfter != 17*time.Second {
		t.Fatalf("RetryAfter = %v, want 17s", tooMany.RetryAfter)
	}
}

func TestClassifyPassthrough(t *testing.T) {
	t.Parallel()
	src := errors.New("some transient thing")
	if got := classify(src); got != src {
		t.Fatalf("classify(%v) = %v, want unchanged", src, got)
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
}
