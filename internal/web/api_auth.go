package web

import (
	"net/http"
	"time"
)

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	sess, err := s.deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    sess.UserID,
		"expires_at": sess.ExpiresAt,
	})
}

func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		s.deps.Auth.Logout(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) apiMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, caller(r))
}

func (s *Server) apiChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	if err := s.deps.Auth.SetPassword(user.ID, req.Password); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "auth.change_password", "user:"+user.ID, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// apiSetUserPassword sets another user's password; admin only.
func (s *Server) apiSetUserPassword(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	if !user.SystemAdmin {
		writeJSON(w, http.StatusForbidden, errBody{Error: "admin required"})
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	target := r.PathValue("id")
	if err := s.deps.Auth.SetPassword(target, req.Password); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "auth.set_password", "user:"+target, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "password set"})
}

func (s *Server) apiCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	plaintext, key, err := s.deps.Auth.CreateAPIKey(user.ID, req.Name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "auth.create_api_key", "api_key:"+key.ID, req.Name)
	// The plaintext appears here and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     key.ID,
		"name":   key.Name,
		"secret": plaintext,
	})
}

func (s *Server) apiListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Auth.ListAPIKeys(caller(r).ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) apiRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	keyID := r.PathValue("id")
	if err := s.deps.Auth.RevokeAPIKey(user.ID, keyID); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "auth.revoke_api_key", "api_key:"+keyID, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
