package server

import (
	"context"
	"encoding/json"

	"github.com/sherpa-labs/sherpa/pkg/auth"
	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

func (s *Server) registerHandlers() {
	s.router.Register(rpc.MethodLogin, rpc.AuthNone, s.handleLogin)
	s.router.Register(rpc.MethodValidate, rpc.AuthNone, s.handleValidate)
	s.router.Register(rpc.MethodUp, rpc.AuthToken, s.handleUp)
	s.router.Register(rpc.MethodDown, rpc.AuthToken, s.handleDown)
	s.router.Register(rpc.MethodResume, rpc.AuthToken, s.handleResume)
	s.router.Register(rpc.MethodDestroy, rpc.AuthToken, s.handleDestroy)
	s.router.Register(rpc.MethodClean, rpc.AuthAdmin, s.handleClean)
	s.router.Register(rpc.MethodInspect, rpc.AuthToken, s.handleInspect)
	s.router.Register(rpc.MethodImageList, rpc.AuthToken, s.handleImageList)
	s.router.Register(rpc.MethodImageImport, rpc.AuthAdmin, s.handleImageImport)
}

func decode[T any](params json.RawMessage) (*T, error) {
	var v T
	if len(params) == 0 {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "malformed params")
	}
	return &v, nil
}

func (s *Server) handleLogin(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.LoginParams](params)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(p.Username)
	if err != nil {
		// Same answer for unknown user and wrong password.
		return nil, rpc.NewRPCError(rpc.CodeAuthInvalid, "invalid credentials")
	}
	ok, err := auth.VerifyPassword(p.Password, user.PasswordHash)
	if err != nil || !ok {
		util.Warnf("server: failed login for %s", p.Username)
		return nil, rpc.NewRPCError(rpc.CodeAuthInvalid, "invalid credentials")
	}

	token, err := s.tokens.Mint(user.Username, user.IsAdmin)
	if err != nil {
		return nil, err
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	util.Infof("server: %s logged in", user.Username)
	return rpc.LoginResult{
		Token:     token,
		Username:  user.Username,
		IsAdmin:   user.IsAdmin,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

func (s *Server) handleValidate(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.ValidateParams](params)
	if err != nil {
		return nil, err
	}
	claims, err := s.tokens.Validate(p.Token)
	if err != nil {
		return rpc.ValidateResult{Valid: false}, nil
	}
	return rpc.ValidateResult{
		Valid:     true,
		Username:  claims.Username,
		IsAdmin:   claims.IsAdmin,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

// effectiveOwner lets an admin act for another user; everyone else acts
// for themselves.
func effectiveOwner(sess *rpc.Session, requested string) string {
	if requested != "" && sess.Claims.IsAdmin {
		return requested
	}
	return sess.Claims.Username
}

func (s *Server) handleUp(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.UpParams](params)
	if err != nil {
		return nil, err
	}
	if p.Manifest == "" {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "manifest is required")
	}
	return s.pipe.Up(ctx, p.LabID, p.Manifest, effectiveOwner(sess, p.Username), sink)
}

// ownedLab resolves a lab reference (ID or name) and enforces ownership.
func (s *Server) ownedLab(sess *rpc.Session, ref string) (*catalog.Lab, error) {
	if ref == "" {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "lab_id is required")
	}
	lab, err := s.pipe.ResolveLab(ref, sess.Claims.Username)
	if err != nil {
		return nil, err
	}
	if err := rpc.CheckOwnership(sess, lab.Owner, "lab "+lab.LabID); err != nil {
		return nil, err
	}
	return lab, nil
}

func (s *Server) handleDown(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.LabParams](params)
	if err != nil {
		return nil, err
	}
	lab, err := s.ownedLab(sess, p.LabID)
	if err != nil {
		return nil, err
	}
	return s.pipe.Down(ctx, lab.LabID, sink)
}

func (s *Server) handleResume(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.LabParams](params)
	if err != nil {
		return nil, err
	}
	lab, err := s.ownedLab(sess, p.LabID)
	if err != nil {
		return nil, err
	}
	return s.pipe.Resume(ctx, lab.LabID, sink)
}

func (s *Server) handleDestroy(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.LabParams](params)
	if err != nil {
		return nil, err
	}
	lab, err := s.ownedLab(sess, p.LabID)
	if err != nil {
		return nil, err
	}
	return s.pipe.Destroy(ctx, lab.LabID, false, sink)
}

// handleClean is the admin sweep for a lab the catalog may no longer
// know: it takes a raw ID and tolerates missing records.
func (s *Server) handleClean(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.LabParams](params)
	if err != nil {
		return nil, err
	}
	if p.LabID == "" {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "lab_id is required")
	}
	return s.pipe.Destroy(ctx, p.LabID, true, sink)
}

func (s *Server) handleInspect(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.LabParams](params)
	if err != nil {
		return nil, err
	}
	lab, err := s.ownedLab(sess, p.LabID)
	if err != nil {
		return nil, err
	}
	return s.pipe.Inspect(lab.LabID)
}

func (s *Server) handleImageList(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.ListImagesParams](params)
	if err != nil {
		return nil, err
	}
	return s.pipe.ListImages(ifmap.Model(p.Model), catalog.ImageKind(p.Kind))
}

func (s *Server) handleImageImport(ctx context.Context, sess *rpc.Session, params json.RawMessage, sink progress.Sink) (any, error) {
	p, err := decode[rpc.ImportImageParams](params)
	if err != nil {
		return nil, err
	}
	return s.pipe.ImportImage(ctx, ifmap.Model(p.Model), catalog.ImageKind(p.Kind),
		p.Version, p.Src, p.Latest, sink)
}
