package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/inbox"
	"github.com/attendance-mail/attendance/internal/logger"
)

var (
	// ErrNotConnected is returned when an operation runs before Connect
	ErrNotConnected = errors.New("not connected to IMAP server")
	// ErrAuth is returned when the server rejects the mailbox credentials
	ErrAuth = errors.New("mailbox authentication failed")
)

const fetchBatchSize = 50

func init() {
	// Korean Exchange servers still send EUC-KR and ks_c_5601-1987 bodies and
	// encoded-word subjects. Importing charset covers go-message bodies.
	imap.CharsetReader = charset.Reader
}

// Message is one fetched email, body already rendered as plain text
type Message struct {
	ID          string
	UID         uint32
	Subject     string
	Body        string
	HTMLBody    string
	SenderName  string
	SenderEmail string
	ReceivedAt  time.Time
}

// FetchOptions filters a fetch. Zero values mean no filter.
type FetchOptions struct {
	Folder             string
	Since              time.Time
	SubjectContainsAny []string
	Limit              int
}

// Client reads request emails and deduction notices over IMAP
type Client struct {
	config config.MailboxConfig
	client *client.Client
}

// New creates a mailbox client; call Connect before fetching
func New(cfg config.MailboxConfig) *Client {
	return &Client{config: cfg}
}

// Connect establishes the IMAP connection and logs in
func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.config.Server, c.config.Port)
	log := logger.Log.WithField("server", addr)

	log.Info("Connecting to IMAP server")

	conn, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := conn.Login(c.config.Username, c.config.Password); err != nil {
		conn.Logout()
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	c.client = conn
	log.WithField("user", c.config.Username).Info("Login successful")
	return nil
}

// Close logs out
func (c *Client) Close() error {
	if c.client != nil {
		err := c.client.Logout()
		c.client = nil
		return err
	}
	return nil
}

// ListFolders returns every folder name the account can see
func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	infos, err := c.list("", "*")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names, nil
}

// ResolveFolder finds a folder by display name among top-level folders and
// then one level of their children. The returned name can be selected.
func (c *Client) ResolveFolder(ctx context.Context, displayName string) (string, bool, error) {
	if strings.EqualFold(displayName, "INBOX") {
		return "INBOX", true, nil
	}

	top, err := c.list("", "%")
	if err != nil {
		return "", false, err
	}
	for _, info := range top {
		if strings.EqualFold(info.Name, displayName) {
			return info.Name, true, nil
		}
	}

	for _, parent := range top {
		if parent.Delimiter == "" || hasAttr(parent, imap.NoInferiorsAttr) {
			continue
		}
		children, err := c.list("", parent.Name+parent.Delimiter+"%")
		if err != nil {
			logger.Log.WithError(err).WithField("folder", parent.Name).Warn("failed to list child folders")
			continue
		}
		for _, info := range children {
			leaf := info.Name[strings.LastIndex(info.Name, parent.Delimiter)+len(parent.Delimiter):]
			if strings.EqualFold(leaf, displayName) || strings.EqualFold(info.Name, displayName) {
				return info.Name, true, nil
			}
		}
	}

	return "", false, nil
}

// resolveOrInbox falls back to INBOX when the folder cannot be found
func (c *Client) resolveOrInbox(ctx context.Context, folder string) (string, error) {
	if folder == "" {
		return "INBOX", nil
	}
	name, ok, err := c.ResolveFolder(ctx, folder)
	if err != nil {
		return "", err
	}
	if !ok {
		logger.Log.WithField("folder", folder).Warn("folder not found, scanning INBOX instead")
		return "INBOX", nil
	}
	return name, nil
}

func (c *Client) list(ref, pattern string) ([]*imap.MailboxInfo, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.List(ref, pattern, mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for mbox := range mailboxes {
		infos = append(infos, mbox)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return infos, nil
}

func hasAttr(info *imap.MailboxInfo, attr string) bool {
	for _, a := range info.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Fetch returns messages matching opts, most recent first. Subject filtering
// happens client-side because IMAP SUBJECT search is unreliable for
// non-ASCII text.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) ([]Message, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	folder, err := c.resolveOrInbox(ctx, opts.Folder)
	if err != nil {
		return nil, err
	}
	log := logger.Log.WithField("folder", folder)

	mbox, err := c.client.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	log.WithField("messages", mbox.Messages).Debug("Folder selected")

	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails in %s: %w", folder, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// Newest UIDs first so the limit keeps the most recent messages
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	var messages []Message
	for i := 0; i < len(uids); i += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(i+fetchBatchSize, len(uids))
		// a partial folder would read as missing deduction history
		batch, err := c.fetchBatch(uids[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch emails from %s: %w", folder, err)
		}

		for _, msg := range batch {
			if matchesSubject(msg.Subject, opts.SubjectContainsAny) {
				messages = append(messages, msg)
			}
		}
		if opts.Limit > 0 && len(messages) >= opts.Limit {
			break
		}
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.After(messages[j].ReceivedAt)
	})
	if opts.Limit > 0 && len(messages) > opts.Limit {
		messages = messages[:opts.Limit]
	}

	log.WithField("count", len(messages)).Info("Fetched messages")
	return messages, nil
}

func (c *Client) fetchBatch(uids []uint32) ([]Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqSet, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		if m := parseMessage(msg, section); m != nil {
			messages = append(messages, *m)
		}
	}

	if err := <-done; err != nil {
		return messages, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, nil
}

func matchesSubject(subject string, any []string) bool {
	if len(any) == 0 {
		return true
	}
	for _, s := range any {
		if strings.Contains(subject, s) {
			return true
		}
	}
	return false
}

// parseMessage converts an IMAP message to a Message
func parseMessage(msg *imap.Message, section *imap.BodySectionName) *Message {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	m := &Message{
		ID:         msg.Envelope.MessageId,
		UID:        msg.Uid,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.InternalDate,
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = msg.Envelope.Date
	}
	if m.ID == "" {
		m.ID = fmt.Sprintf("uid-%d", msg.Uid)
	}

	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		m.SenderEmail = strings.ToLower(from.Address())
		m.SenderName = from.PersonalName
	}

	if r := msg.GetBody(section); r != nil {
		readBody(r, m)
	}

	switch {
	case m.Body == "" && m.HTMLBody != "":
		m.Body = inbox.TextFromHTML(m.HTMLBody)
	default:
		m.Body = inbox.PlainBody(m.Body)
	}
	return m
}

func readBody(r io.Reader, m *Message) {
	// An unknown charset still yields a readable part with undecoded bytes
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		logger.Log.WithError(err).WithField("subject", m.Subject).Debug("failed to read MIME body")
		return
	}
	if err != nil {
		logger.Log.WithError(err).WithField("subject", m.Subject).Warn("unknown body charset")
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, _ := io.ReadAll(p.Body)

		if strings.HasPrefix(ct, "text/plain") && m.Body == "" {
			m.Body = string(body)
		} else if strings.HasPrefix(ct, "text/html") && m.HTMLBody == "" {
			m.HTMLBody = string(body)
		}
	}
}

// Dialer connects for every fetch and logs out afterwards, so long-running
// processes never hold an idle IMAP session between runs.
type Dialer struct {
	config config.MailboxConfig
}

func NewDialer(cfg config.MailboxConfig) *Dialer {
	return &Dialer{config: cfg}
}

// Fetch opens a connection, fetches and closes it
func (d *Dialer) Fetch(ctx context.Context, opts FetchOptions) ([]Message, error) {
	c := New(d.config)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Log.WithError(err).Debug("failed to log out")
		}
	}()
	return c.Fetch(ctx, opts)
}
