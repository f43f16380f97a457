package service

// HasPendingCall reports whether id is still in the correlation table.
func (s *Service) HasPendingCall(id string) bool {
	_, ok := s.pending.get(id)

	return ok
}
