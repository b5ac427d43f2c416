package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsweep/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMailbox struct {
	validity  uint32
	uids      []uint32
	messages  map[uint32][]byte
	archived  []uint32
	read      []uint32
	deleted   []uint32
	failFetch error
	stopped   bool
}

func (f *fakeMailbox) UIDValidity(ctx context.Context) (uint32, error) { return f.validity, nil }

func (f *fakeMailbox) UIDsSince(ctx context.Context, since uint32) ([]uint32, error) {
	var out []uint32
	for _, uid := range f.uids {
		if uid > since {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeMailbox) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	raw, ok := f.messages[uid]
	if !ok {
		return nil, ErrMessageGone
	}
	return raw, nil
}

func (f *fakeMailbox) MarkAsRead(ctx context.Context, uid uint32) error {
	f.read = append(f.read, uid)
	return nil
}

func (f *fakeMailbox) Archive(ctx context.Context, uid uint32, mailbox string) error {
	f.archived = append(f.archived, uid)
	return nil
}

func (f *fakeMailbox) DeleteMessage(ctx context.Context, uid uint32) error {
	f.deleted = append(f.deleted, uid)
	return nil
}

func (f *fakeMailbox) IsConnected() bool { return !f.stopped }
func (f *fakeMailbox) Stop()             { f.stopped = true }

func newTestManager(mb *fakeMailbox) (*Manager, *int) {
	m := NewManager(ManagerConfig{}, testLogger())
	dials := 0
	m.dial = func(ctx context.Context, cfg ClientConfig) (mailbox, error) {
		dials++
		return mb, nil
	}
	return m, &dials
}

func TestParseCursor(t *testing.T) {
	tests := []struct {
		in       string
		validity uint32
		uid      uint32
		wantErr  bool
	}{
		{in: "", validity: 0, uid: 0},
		{in: "7:42", validity: 7, uid: 42},
		{in: "7", wantErr: true},
		{in: "x:1", wantErr: true},
		{in: "1:99999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, u, err := ParseCursor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.validity, v)
			assert.Equal(t, tt.uid, u)
		})
	}

	assert.Equal(t, "7:42", FormatCursor(7, 42))
}

func TestManagerListNewMessageIDs(t *testing.T) {
	mb := &fakeMailbox{validity: 5, uids: []uint32{3, 4, 9}}
	m, dials := newTestManager(mb)
	acc := &models.Account{ID: 1, Address: "me@example.com"}

	ids, next, err := m.ListNewMessageIDs(context.Background(), acc, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"5:3", "5:4", "5:9"}, ids)
	assert.Equal(t, "5:9", next)

	ids, next, err = m.ListNewMessageIDs(context.Background(), acc, "5:4")
	require.NoError(t, err)
	assert.Equal(t, []string{"5:9"}, ids)
	assert.Equal(t, "5:9", next)

	ids, next, err = m.ListNewMessageIDs(context.Background(), acc, "5:9")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, "5:9", next)

	assert.Equal(t, 1, *dials, "client is reused")
}

func TestManagerUIDValidityReset(t *testing.T) {
	mb := &fakeMailbox{validity: 6, uids: []uint32{1, 2}}
	m, _ := newTestManager(mb)

	ids, next, err := m.ListNewMessageIDs(context.Background(), &models.Account{ID: 1}, "5:100")
	require.NoError(t, err)
	assert.Equal(t, []string{"6:1", "6:2"}, ids)
	assert.Equal(t, "6:2", next)
}

func TestManagerMessageOps(t *testing.T) {
	mb := &fakeMailbox{validity: 5, messages: map[uint32][]byte{3: []byte("raw")}}
	m, _ := newTestManager(mb)
	acc := &models.Account{ID: 1}
	ctx := context.Background()

	msg, err := m.FetchMessage(ctx, acc, "5:3")
	require.NoError(t, err)
	assert.Equal(t, "5:3", msg.ID)
	assert.Equal(t, []byte("raw"), msg.Raw)

	require.NoError(t, m.ArchiveMessage(ctx, acc, "5:3"))
	require.NoError(t, m.MarkAsRead(ctx, acc, "5:3"))
	require.NoError(t, m.DeleteMessage(ctx, acc, "5:3"))
	assert.Equal(t, []uint32{3}, mb.archived)
	assert.Equal(t, []uint32{3}, mb.read)
	assert.Equal(t, []uint32{3}, mb.deleted)

	_, err = m.FetchMessage(ctx, acc, "4:3")
	assert.ErrorIs(t, err, ErrStaleMessage)

	_, err = m.FetchMessage(ctx, acc, "garbage")
	assert.Error(t, err)

	_, err = m.FetchMessage(ctx, acc, "5:8")
	assert.ErrorIs(t, err, ErrMessageGone)
	assert.False(t, mb.stopped, "gone message keeps the connection")
}

func TestManagerDropsClientOnError(t *testing.T) {
	mb := &fakeMailbox{validity: 5, failFetch: errors.New("connection reset")}
	m, dials := newTestManager(mb)
	acc := &models.Account{ID: 1}

	_, err := m.FetchMessage(context.Background(), acc, "5:1")
	require.Error(t, err)
	assert.True(t, mb.stopped)
	assert.Equal(t, "idle", m.Status(1))

	mb.stopped = false
	mb.failFetch = nil
	mb.messages = map[uint32][]byte{1: []byte("x")}
	_, err = m.FetchMessage(context.Background(), acc, "5:1")
	require.NoError(t, err)
	assert.Equal(t, 2, *dials)
}

func TestManagerDecryptError(t *testing.T) {
	m, dials := newTestManager(&fakeMailbox{})
	m.SetDecryptFunc(func(string) (string, error) { return "", errors.New("bad key") })

	_, _, err := m.ListNewMessageIDs(context.Background(), &models.Account{ID: 1, Password: "sealed"}, "")
	assert.ErrorContains(t, err, "decrypt")
	assert.Zero(t, *dials)
}

type recordingGateway struct {
	Gateway
	calls []string
}

func (g *recordingGateway) ArchiveMessage(ctx context.Context, acc *models.Account, id string) error {
	g.calls = append(g.calls, string(acc.Provider)+":"+id)
	return nil
}

func TestRouter(t *testing.T) {
	imapGW := &recordingGateway{}
	gmailGW := &recordingGateway{}

	r := NewRouter()
	r.Register(models.ProviderIMAP, imapGW)
	r.Register(models.ProviderGmail, gmailGW)

	ctx := context.Background()
	require.NoError(t, r.ArchiveMessage(ctx, &models.Account{Provider: models.ProviderGmail}, "g1"))
	require.NoError(t, r.ArchiveMessage(ctx, &models.Account{}, "1:1"))

	assert.Equal(t, []string{"gmail:g1"}, gmailGW.calls)
	assert.Equal(t, []string{":1:1"}, imapGW.calls)

	err := r.ArchiveMessage(ctx, &models.Account{Provider: "exchange"}, "x")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestResolveIMAPServer(t *testing.T) {
	r := NewResolver()
	r.lookupMX = func(ctx context.Context, domain string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx1.hosting.net."}}, nil
	}
	reachable := map[string]bool{"mail.hosting.net:993": true}
	r.probe = func(ctx context.Context, hostport string) bool { return reachable[hostport] }

	ctx := context.Background()

	server, err := r.ResolveIMAPServer(ctx, "Someone@GMAIL.com")
	require.NoError(t, err)
	assert.Equal(t, "imap.gmail.com:993", server)

	server, err = r.ResolveIMAPServer(ctx, "me@company.io")
	require.NoError(t, err)
	assert.Equal(t, "mail.hosting.net:993", server)

	reachable = map[string]bool{}
	server, err = r.ResolveIMAPServer(ctx, "me@company.io")
	require.NoError(t, err)
	assert.Equal(t, "imap.company.io:993", server)

	_, err = r.ResolveIMAPServer(ctx, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNormalizeServer(t *testing.T) {
	assert.Equal(t, "imap.x.com:993", NormalizeServer("imap.x.com"))
	assert.Equal(t, "imap.x.com:143", NormalizeServer(" imap.x.com:143 "))
	assert.Equal(t, "", NormalizeServer(""))
}
