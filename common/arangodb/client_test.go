package arangodb

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	It("requires url, username and database", func() {
		Expect(Config{}.Validate()).To(MatchError(ContainSubstring("URL")))
		Expect(Config{URL: "http://arango:8529"}.Validate()).To(MatchError(ContainSubstring("username")))
		Expect(Config{URL: "http://arango:8529", Username: "root"}.Validate()).To(MatchError(ContainSubstring("database")))
		Expect(Config{URL: "http://arango:8529", Username: "root", Database: "devinfo"}.Validate()).To(Succeed())
	})

	It("rejects invalid config on New", func() {
		_, err := New(context.Background(), Config{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("documents", func() {
	It("derives stable keys from external ids", func() {
		Expect(makeKey("1/42/commits/abc")).To(Equal(makeKey("1/42/commits/abc")))
		Expect(makeKey("1/42/commits/abc")).NotTo(Equal(makeKey("1/42/commits/abd")))
		Expect(makeKey("x")).To(HaveLen(16))
	})

	It("groups vertices by collection", func() {
		docs := vertexDocuments([]Vertex{
			{Collection: CollectionCommits, ExternalID: "c1", Properties: map[string]any{"title": "one"}},
			{Collection: CollectionCommits, ExternalID: "c2"},
			{Collection: CollectionBranches, ExternalID: "b1"},
		})

		Expect(docs).To(HaveLen(2))
		Expect(docs[CollectionCommits]).To(HaveLen(2))
		Expect(docs[CollectionCommits][0]).To(HaveKeyWithValue("_key", makeKey("c1")))
		Expect(docs[CollectionCommits][0]).To(HaveKeyWithValue("external_id", "c1"))
		Expect(docs[CollectionCommits][0]).To(HaveKeyWithValue("title", "one"))
	})

	It("does not let properties override the key", func() {
		docs := vertexDocuments([]Vertex{
			{Collection: CollectionCommits, ExternalID: "c1", Properties: map[string]any{"_key": "spoofed"}},
		})
		Expect(docs[CollectionCommits][0]).To(HaveKeyWithValue("_key", makeKey("c1")))
	})

	It("builds edges between document ids", func() {
		docs := edgeDocuments([]Edge{{
			Collection:     EdgeContains,
			FromCollection: CollectionRepositories,
			FromID:         "r1",
			ToCollection:   CollectionCommits,
			ToID:           "c1",
		}})

		edge := docs[EdgeContains][0]
		Expect(edge).To(HaveKeyWithValue("_from", "repositories/"+makeKey("r1")))
		Expect(edge).To(HaveKeyWithValue("_to", "commits/"+makeKey("c1")))
		Expect(edge["_key"]).To(Equal(makeEdgeKey(edge["_from"].(string), edge["_to"].(string))))
	})
})
