package notifysvc

import (
	"context"
	"html"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trezcool/rollcall/core"
	syncer "github.com/trezcool/rollcall/core/sync"
)

var (
	host     = "https://api.sendgrid.com"
	endpoint = "/v3/mail/send"
)

// SendgridNotifier e-mails notifications to the user; users without an
// e-mail address get them on the fallback notifier.
type SendgridNotifier struct {
	key        string
	from       *sgmail.Email
	subjPrefix string
	fallback   syncer.Notifier
	logger     core.Logger
}

var _ syncer.Notifier = (*SendgridNotifier)(nil)

func NewSendgridNotifier(conf *core.Config, fallback syncer.Notifier, logger core.Logger) *SendgridNotifier {
	return &SendgridNotifier{
		key:        conf.SendgridAPIKey,
		from:       sgmail.NewEmail(conf.AppName, conf.DefaultFromEmail),
		subjPrefix: "[" + conf.AppName + "] ",
		fallback:   fallback,
		logger:     logger,
	}
}

func (n *SendgridNotifier) prepare(nt syncer.Notification) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = n.subjPrefix + Subject(nt)
	p.AddTos(sgmail.NewEmail(nameOf(nt), nt.To.Email))

	m := sgmail.NewV3Mail()
	m.SetFrom(n.from)
	m.AddPersonalizations(p)
	body := Body(nt)
	m.AddContent(
		sgmail.NewContent("text/plain", body),
		sgmail.NewContent("text/html", "<pre>"+html.EscapeString(body)+"</pre>"),
	)
	return m
}

func (n *SendgridNotifier) Notify(ctx context.Context, nt syncer.Notification) error {
	if nt.To.Email == "" {
		if n.fallback == nil {
			return nil
		}
		return n.fallback.Notify(ctx, nt)
	}

	req := sendgrid.GetRequest(n.key, endpoint, host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(n.prepare(nt))

	res, err := sendgrid.API(req)
	if err != nil {
		return errors.Wrap(err, "sending notification e-mail")
	}
	if res.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("sending notification e-mail - status: %d - body: %s", res.StatusCode, res.Body)
	}
	n.logger.Debug("notification e-mailed", map[string]interface{}{"to": nt.To.ID, "record": nt.RecordID})
	return nil
}
