package admin

import (
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/presbrey/ircservices/services"
)

type liveView struct {
	TS      int64  `json:"ts"`
	Modes   string `json:"modes"`
	Members int    `json:"members"`
}

type accessView struct {
	Account  string    `json:"account,omitempty"`
	Mask     string    `json:"mask,omitempty"`
	Flags    string    `json:"flags"`
	Modified time.Time `json:"modified"`
	Setter   string    `json:"setter,omitempty"`
}

type channelView struct {
	Name       string       `json:"name"`
	Registered time.Time    `json:"registered"`
	Flags      string       `json:"flags"`
	MLock      string       `json:"mlock"`
	Live       *liveView    `json:"live,omitempty"`
	Access     []accessView `json:"access,omitempty"`
}

type registerRequest struct {
	Channel string `json:"channel" validate:"required,channel"`
	Founder string `json:"founder" validate:"required"`
}

type mlockRequest struct {
	MLock string `json:"mlock" validate:"required,max=128"`
}

type flagsRequest struct {
	Set   string `json:"set" validate:"omitempty,alpha"`
	Unset string `json:"unset" validate:"omitempty,alpha"`
}

type accessRequest struct {
	Account string `json:"account" validate:"required_without=Mask,excluded_with=Mask"`
	Mask    string `json:"mask" validate:"omitempty,hostmask"`
	Flags   string `json:"flags" validate:"required"`
	// Actor limits the change to what that account may grant; empty acts
	// with full authority.
	Actor string `json:"actor"`
}

type accessResponse struct {
	Change string `json:"change"`
	Flags  string `json:"flags"`
}

type entityRequest struct {
	Name string `json:"name" validate:"required,max=64,account"`
}

type entityView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Registered time.Time `json:"registered"`
}

// do runs fn on the loop and waits for it.
func (s *Server) do(c echo.Context, fn func(n *services.Network) error) error {
	var err error
	if derr := s.loop.Do(c.Request().Context(), func() { err = fn(s.net) }); derr != nil {
		return derr
	}
	return err
}

// channelParam reads the :name parameter; the leading # may be omitted.
func channelParam(c echo.Context) string {
	name := c.Param("name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name != "" && name[0] != '#' && name[0] != '&' {
		name = "#" + name
	}
	return name
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

func accountName(n *services.Network, id services.EntityID) string {
	if e := n.Entity(id); e != nil {
		return e.Name
	}
	return string(id)
}

func viewChannel(n *services.Network, p *services.ChannelPolicy, withAccess bool) channelView {
	v := channelView{
		Name:       p.Name,
		Registered: p.Registered,
		Flags:      p.Flags.String(),
		MLock:      p.MLockParams(n.Dialect),
	}
	if ch := p.Live; ch != nil {
		v.Live = &liveView{TS: ch.TS, Modes: ch.ModeString(n.Dialect, true), Members: ch.MemberCount()}
	}
	if withAccess {
		v.Access = viewAccess(n, p.Name)
	}
	return v
}

func viewAccess(n *services.Network, channel string) []accessView {
	entries := n.Ledger.Entries(channel)
	out := make([]accessView, 0, len(entries))
	for _, e := range entries {
		if e.Level == 0 {
			continue
		}
		av := accessView{
			Mask:     e.Subject.Mask,
			Flags:    e.Level.String(),
			Modified: e.Modified,
		}
		if e.Subject.IsEntity() {
			av.Account = accountName(n, e.Subject.Entity)
		}
		if e.Setter != "" {
			av.Setter = accountName(n, e.Setter)
		}
		out = append(out, av)
	}
	return out
}

func (s *Server) listChannels(c echo.Context) error {
	var out []channelView
	err := s.do(c, func(n *services.Network) error {
		for _, p := range n.Policies() {
			out = append(out, viewChannel(n, p, false))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		out = []channelView{}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getChannel(c echo.Context) error {
	name := channelParam(c)
	var out channelView
	err := s.do(c, func(n *services.Network) error {
		p := n.Policy(name)
		if p == nil {
			return echo.NewHTTPError(http.StatusNotFound, services.ErrNotRegistered.Error())
		}
		out = viewChannel(n, p, true)
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) registerChannel(c echo.Context) error {
	var req registerRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	var out channelView
	err := s.do(c, func(n *services.Network) error {
		founder := n.EntityByName(req.Founder)
		if founder == nil {
			return echo.NewHTTPError(http.StatusNotFound, "founder: "+services.ErrNoSuchEntity.Error())
		}
		p, err := n.RegisterChannel(req.Channel, founder.ID)
		if err != nil {
			return err
		}
		out = viewChannel(n, p, true)
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) dropChannel(c echo.Context) error {
	name := channelParam(c)
	if err := s.do(c, func(n *services.Network) error { return n.DropChannel(name) }); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setMLock(c echo.Context) error {
	name := channelParam(c)
	var req mlockRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	var out channelView
	err := s.do(c, func(n *services.Network) error {
		p, err := n.SetMLock(name, req.MLock, nil, "", true)
		if err != nil {
			return err
		}
		out = viewChannel(n, p, false)
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) setFlags(c echo.Context) error {
	name := channelParam(c)
	var req flagsRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	var out channelView
	err := s.do(c, func(n *services.Network) error {
		p, err := n.SetPolicyFlags(name, services.ParsePolicyFlags(req.Set), services.ParsePolicyFlags(req.Unset))
		if err != nil {
			return err
		}
		out = viewChannel(n, p, false)
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listAccess(c echo.Context) error {
	name := channelParam(c)
	var out []accessView
	err := s.do(c, func(n *services.Network) error {
		p := n.Policy(name)
		if p == nil {
			return echo.NewHTTPError(http.StatusNotFound, services.ErrNotRegistered.Error())
		}
		out = viewAccess(n, p.Name)
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) changeAccess(c echo.Context) error {
	name := channelParam(c)
	var req accessRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	var out accessResponse
	err := s.do(c, func(n *services.Network) error {
		subject := services.MaskSubject(req.Mask)
		if req.Account != "" {
			e := n.EntityByName(req.Account)
			if e == nil {
				return echo.NewHTTPError(http.StatusNotFound, "account: "+services.ErrNoSuchEntity.Error())
			}
			subject = services.EntitySubject(e.ID)
		}
		var actor services.EntityID
		if req.Actor != "" {
			e := n.EntityByName(req.Actor)
			if e == nil {
				return echo.NewHTTPError(http.StatusNotFound, "actor: "+services.ErrNoSuchEntity.Error())
			}
			actor = e.ID
		}
		add, remove, err := n.ChangeAccess(name, actor, subject, req.Flags)
		if err != nil {
			return err
		}
		out.Change = services.FormatFlagChange(add, remove)
		out.Flags = "+"
		if e := n.Ledger.Find(name, subject, 0); e != nil {
			out.Flags = e.Level.String()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) registerEntity(c echo.Context) error {
	var req entityRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	var out entityView
	err := s.do(c, func(n *services.Network) error {
		e, err := n.RegisterEntity(req.Name)
		if err != nil {
			return err
		}
		out = entityView{ID: string(e.ID), Name: e.Name, Registered: e.Registered}
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) dropEntity(c echo.Context) error {
	name := c.Param("name")
	err := s.do(c, func(n *services.Network) error {
		e := n.EntityByName(name)
		if e == nil {
			return echo.NewHTTPError(http.StatusNotFound, services.ErrNoSuchEntity.Error())
		}
		return n.DropEntity(e.ID)
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
