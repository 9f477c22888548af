package service

import (
	"code-runner-sandbox/internal/workspace"
)

// Files lists a session folder, or the whole session when folder is empty.
func (s *Service) Files(session, folder string) ([]workspace.FileInfo, error) {
	sess, err := s.store.Session(session, true)
	if err != nil {
		return nil, err
	}
	return s.store.List(sess, folder)
}

// ReadFile returns the content of one workspace file.
func (s *Service) ReadFile(session, name, folder string) (string, error) {
	sess, err := s.store.Session(session, false)
	if err != nil {
		return "", err
	}
	return s.store.Read(sess, name, folder)
}

// SaveFile writes content into the session, replacing any file of the same
// name, and returns its path.
func (s *Service) SaveFile(session, content, name, folder string) (string, error) {
	sess, err := s.store.Session(session, true)
	if err != nil {
		return "", err
	}
	return s.store.Save(sess, content, name, folder)
}

// DeleteFile removes one workspace file. ok is false when it did not exist.
func (s *Service) DeleteFile(session, name, folder string) (bool, error) {
	sess, err := s.store.Session(session, false)
	if err != nil {
		return false, err
	}
	return s.store.Delete(sess, name, folder)
}

// WorkspaceInfo summarizes a session's files.
func (s *Service) WorkspaceInfo(session string) (workspace.Info, error) {
	sess, err := s.store.Session(session, true)
	if err != nil {
		return workspace.Info{}, err
	}
	return s.store.Info(sess)
}

// LatestResult returns the newest result_*.txt content for a session. ok is
// false when the session has produced no result file yet.
func (s *Service) LatestResult(session string) (name, content string, ok bool, err error) {
	sess, err := s.store.Session(session, false)
	if err != nil {
		return "", "", false, err
	}
	f, found, err := s.store.LatestOutput(sess, "result_")
	if err != nil || !found {
		return "", "", false, err
	}
	content, err = s.store.Read(sess, f.Name, workspace.OutputDir)
	if err != nil {
		return "", "", false, err
	}
	return f.Name, content, true, nil
}
