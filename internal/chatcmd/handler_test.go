package chatcmd

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/register"
)

type fakeTransport struct {
	dms map[int64][]string
}

func newFakeTransport() *fakeTransport { return &fakeTransport{dms: make(map[int64][]string)} }

func (f *fakeTransport) SendDM(_ context.Context, chatID int64, text string) error {
	f.dms[chatID] = append(f.dms[chatID], text)
	return nil
}
func (f *fakeTransport) SendChannel(context.Context, string, string) error { return nil }
func (f *fakeTransport) EditChannelMessage(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (f *fakeTransport) AddRole(context.Context, int64, string) error    { return nil }
func (f *fakeTransport) RemoveRole(context.Context, int64, string) error { return nil }
func (f *fakeTransport) MembersWithRole(context.Context, string) ([]int64, error) {
	return nil, nil
}

type grantCall struct {
	chatID, amount int64
	reason         string
}

type fakeGranter struct {
	calls []grantCall
}

func (f *fakeGranter) Grant(_ context.Context, chatID, amount int64, reason string) error {
	f.calls = append(f.calls, grantCall{chatID, amount, reason})
	return nil
}

const operatorID = int64(900)

func newTestHandler(t *testing.T) (*Handler, *register.Book, *fakeTransport, *fakeGranter) {
	t.Helper()
	book := register.NewBook(zap.NewNop())
	transport := newFakeTransport()
	granter := &fakeGranter{}
	h := NewHandler(book, granter, transport, lang.Builtin(), []int64{operatorID}, zap.NewNop())
	return h, book, transport, granter
}

var codeRe = regexp.MustCompile(`[A-Z2-9]{6}`)

func TestRegisterMintsCodeAndDMsIt(t *testing.T) {
	h, book, transport, _ := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, chat.Command{Name: "register", ChatID: 500})

	dms := transport.dms[500]
	require.Len(t, dms, 1)
	code := codeRe.FindString(dms[0])
	require.NotEmpty(t, code, "the DM must carry the handshake code")

	// The minted code completes the full handshake: absorbed from a log
	// line, then found by the status loop under the character's name.
	require.True(t, book.Absorb(code, "Ragnar", "alpha"))
	pend, ok := book.ByCharName("Ragnar", "alpha")
	require.True(t, ok)
	require.Equal(t, int64(500), pend.ChatID)
}

func TestRegisterReMintKeepsOneCodePerUser(t *testing.T) {
	h, book, transport, _ := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, chat.Command{Name: "register", ChatID: 500})
	h.Handle(ctx, chat.Command{Name: "register", ChatID: 500})

	dms := transport.dms[500]
	require.Len(t, dms, 2)
	first := codeRe.FindString(dms[0])
	second := codeRe.FindString(dms[1])
	require.False(t, book.Absorb(first, "Ragnar", "alpha"), "re-mint revokes the old code")
	require.True(t, book.Absorb(second, "Ragnar", "alpha"))
}

func TestGrantRequiresOperator(t *testing.T) {
	h, _, transport, granter := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, chat.Command{Name: "grant", ChatID: 123, Args: []string{"7", "100"}})

	require.Empty(t, granter.calls)
	require.Empty(t, transport.dms, "non-operators get no feedback surface")
}

func TestGrantParsesAndDelegates(t *testing.T) {
	h, _, transport, granter := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, chat.Command{
		Name: "grant", ChatID: operatorID, Args: []string{"7", "100", "event", "prize"},
	})

	require.Equal(t, []grantCall{{7, 100, "event prize"}}, granter.calls)
	require.Len(t, transport.dms[operatorID], 1)
}

func TestGrantRejectsBadArgs(t *testing.T) {
	h, _, transport, granter := newTestHandler(t)
	ctx := context.Background()

	for _, args := range [][]string{
		nil,
		{"7"},
		{"x", "100"},
		{"7", "x"},
		{"0", "100"},
		{"7", "0"},
	} {
		h.Handle(ctx, chat.Command{Name: "grant", ChatID: operatorID, Args: args})
	}

	require.Empty(t, granter.calls)
	require.Len(t, transport.dms[operatorID], 6, "every malformed call answers with usage")
}

func TestUnknownCommandIgnored(t *testing.T) {
	h, _, transport, granter := newTestHandler(t)

	h.Handle(context.Background(), chat.Command{Name: "frobnicate", ChatID: operatorID})

	require.Empty(t, granter.calls)
	require.Empty(t, transport.dms)
}
