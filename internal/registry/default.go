package registry

// Default returns the built-in tool table. Operators who need additional
// tools construct their own []Entry and pass it to New; this set covers the
// social-data lookups the gateway ships with out of the box.
func Default() *Registry {
	return New([]Entry{
		{
			Name:           "get_linkedin_profile",
			EndpointPath:   "/api/linkedin/profile",
			Method:         "POST",
			RequiredParams: []string{"user"},
		},
		{
			Name:           "get_linkedin_company",
			EndpointPath:   "/api/linkedin/company",
			Method:         "POST",
			RequiredParams: []string{"company"},
		},
		{
			Name:           "get_linkedin_post",
			EndpointPath:   "/api/linkedin/post",
			Method:         "POST",
			RequiredParams: []string{"post_url"},
		},
		{
			Name:           "get_instagram_profile",
			EndpointPath:   "/api/instagram/profile",
			Method:         "POST",
			RequiredParams: []string{"user"},
		},
		{
			Name:           "get_twitter_profile",
			EndpointPath:   "/api/twitter/profile",
			Method:         "POST",
			RequiredParams: []string{"user"},
		},
		{
			Name:           "get_reddit_thread",
			EndpointPath:   "/api/reddit/thread",
			Method:         "POST",
			RequiredParams: []string{"thread_url"},
			OptionalParams: []string{"limit"},
		},
		{
			Name:           "get_sec_filing",
			EndpointPath:   "/api/sec/filing",
			Method:         "POST",
			RequiredParams: []string{"cik", "filing_type"},
		},
	})
}
